package readmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stockroom-system/internal/database/models"
)

const (
	SummaryCachePrefix = "inventory:summary:"
	LowStockCacheKey   = "inventory:low-stock"
	cacheTTL           = 5 * time.Minute
)

func SummaryCacheKey(variantID int32) string {
	return fmt.Sprintf("%s%d", SummaryCachePrefix, variantID)
}

// InvalidateCaches drops the derived aggregates after a ledger write. The
// writer calls this on every successful mutation so reads after the write
// never serve a stale aggregate.
func InvalidateCaches(ctx context.Context, rdb *redis.Client, variantIDs ...int32) {
	if rdb == nil {
		return
	}
	keys := []string{LowStockCacheKey}
	for _, id := range variantIDs {
		keys = append(keys, SummaryCacheKey(id))
	}
	_ = rdb.Del(ctx, keys...)
}

type LocationQuantity struct {
	LocationID      int32  `json:"location_id"`
	LocationCode    string `json:"location_code"`
	LocationName    string `json:"location_name"`
	IsActive        bool   `json:"is_active"`
	Available       int64  `json:"available"`
	Committed       int64  `json:"committed"`
	Damaged         int64  `json:"damaged"`
	InTransit       int64  `json:"in_transit"`
	Reserved        int64  `json:"reserved"`
	AvailableToSell int64  `json:"available_to_sell"`
	ReorderPoint    int64  `json:"reorder_point"`
	ReorderQuantity int64  `json:"reorder_quantity"`
}

type VariantSummary struct {
	VariantID       int32              `json:"variant_id"`
	SKU             string             `json:"sku"`
	Available       int64              `json:"available"`
	Committed       int64              `json:"committed"`
	Damaged         int64              `json:"damaged"`
	InTransit       int64              `json:"in_transit"`
	Reserved        int64              `json:"reserved"`
	AvailableToSell int64              `json:"available_to_sell"`
	StockValue      decimal.Decimal    `json:"stock_value"`
	LowStock        bool               `json:"low_stock"`
	Locations       []LocationQuantity `json:"locations"`
}

type LowStockItem struct {
	VariantID       int32  `json:"variant_id"`
	SKU             string `json:"sku"`
	ProductTitle    string `json:"product_title"`
	LocationID      int32  `json:"location_id"`
	LocationCode    string `json:"location_code"`
	Available       int64  `json:"available"`
	ReorderPoint    int64  `json:"reorder_point"`
	ReorderQuantity int64  `json:"reorder_quantity"`
}

type Service struct {
	db    *gorm.DB
	redis *redis.Client
	log   *zap.Logger
}

func NewService(db *gorm.DB, redisClient *redis.Client, logger *zap.Logger) *Service {
	return &Service{db: db, redis: redisClient, log: logger}
}

// SummaryFor projects the quantity records of one variant into a per-variant
// aggregate. Returns (nil, nil) when the variant does not exist; the caller
// decides how to surface that.
//
// Available-to-sell is the sum of per-location (available - committed) over
// active locations, not the difference of the sums. The subtraction is signed
// on purpose: a location where committed exceeds available shows up as a
// negative number instead of being clamped away.
func (s *Service) SummaryFor(ctx context.Context, variantID int32) (*VariantSummary, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, SummaryCacheKey(variantID)).Result(); err == nil {
			var summary VariantSummary
			if json.Unmarshal([]byte(cached), &summary) == nil {
				return &summary, nil
			}
		}
	}

	var variant models.ProductVariant
	if err := s.db.WithContext(ctx).First(&variant, variantID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}

	var records []models.QuantityRecord
	if err := s.db.WithContext(ctx).Preload("Location").
		Where("variant_id = ?", variantID).
		Order("location_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	summary := &VariantSummary{
		VariantID:  variantID,
		SKU:        variant.SKU,
		StockValue: decimal.Zero,
		Locations:  make([]LocationQuantity, 0, len(records)),
	}

	var activeReorderPoint int64
	for _, rec := range records {
		summary.Available += rec.Available
		summary.Committed += rec.Committed
		summary.Damaged += rec.Damaged
		summary.InTransit += rec.InTransit
		summary.Reserved += rec.Reserved
		summary.StockValue = summary.StockValue.Add(rec.UnitCost.Mul(decimal.NewFromInt(rec.Available)))

		loc := LocationQuantity{
			LocationID:      rec.LocationID,
			Available:       rec.Available,
			Committed:       rec.Committed,
			Damaged:         rec.Damaged,
			InTransit:       rec.InTransit,
			Reserved:        rec.Reserved,
			AvailableToSell: rec.Available - rec.Committed,
			ReorderPoint:    rec.ReorderPoint,
			ReorderQuantity: rec.ReorderQuantity,
		}
		if rec.Location != nil {
			loc.LocationCode = rec.Location.LocationCode
			loc.LocationName = rec.Location.LocationName
			loc.IsActive = rec.Location.IsActive
		}
		if loc.IsActive {
			summary.AvailableToSell += loc.AvailableToSell
			activeReorderPoint += rec.ReorderPoint
		}
		summary.Locations = append(summary.Locations, loc)
	}

	summary.LowStock = len(records) > 0 && summary.AvailableToSell <= activeReorderPoint

	if s.redis != nil {
		if payload, err := json.Marshal(summary); err == nil {
			_ = s.redis.Set(ctx, SummaryCacheKey(variantID), payload, cacheTTL)
		}
	}

	return summary, nil
}

type LowStockPage struct {
	Items         []LowStockItem `json:"items"`
	TotalCount    int64          `json:"total_count"`
	NextPageToken string         `json:"next_page_token"`
}

// LowStock lists (variant, location) pairs at or under their reorder point,
// most depleted first. Inactive locations and variants of non-active products
// are excluded. Only the first page is cached; it is the one the reorder
// alert screen polls.
func (s *Service) LowStock(ctx context.Context, pageSize int, pageToken string) (*LowStockPage, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	pageNumber := 1
	if pageToken != "" {
		if n, err := strconv.Atoi(pageToken); err == nil && n > 0 {
			pageNumber = n
		}
	}

	firstPage := pageNumber == 1 && pageSize == 50
	if firstPage && s.redis != nil {
		if cached, err := s.redis.Get(ctx, LowStockCacheKey).Result(); err == nil {
			var page LowStockPage
			if json.Unmarshal([]byte(cached), &page) == nil {
				return &page, nil
			}
		}
	}

	// fresh query per use; gorm chains accumulate state
	lowStockQuery := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.QuantityRecord{}).
			Joins("JOIN locations ON locations.id = quantity_records.location_id AND locations.is_active = ?", true).
			Joins("JOIN product_variants ON product_variants.id = quantity_records.variant_id").
			Joins("JOIN products ON products.id = product_variants.product_id AND products.status = ?", models.ProductStatusActive).
			Where("quantity_records.available <= quantity_records.reorder_point")
	}

	var total int64
	if err := lowStockQuery().Count(&total).Error; err != nil {
		return nil, err
	}

	offset := (pageNumber - 1) * pageSize
	var rows []struct {
		VariantID       int32
		SKU             string
		ProductTitle    string
		LocationID      int32
		LocationCode    string
		Available       int64
		ReorderPoint    int64
		ReorderQuantity int64
	}
	if err := lowStockQuery().
		Select("quantity_records.variant_id, product_variants.sku, products.title AS product_title, " +
			"quantity_records.location_id, locations.location_code, quantity_records.available, " +
			"quantity_records.reorder_point, quantity_records.reorder_quantity").
		Order("quantity_records.available ASC, quantity_records.id ASC").
		Offset(offset).Limit(pageSize).
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	page := &LowStockPage{
		Items:      make([]LowStockItem, len(rows)),
		TotalCount: total,
	}
	for i, row := range rows {
		page.Items[i] = LowStockItem{
			VariantID:       row.VariantID,
			SKU:             row.SKU,
			ProductTitle:    row.ProductTitle,
			LocationID:      row.LocationID,
			LocationCode:    row.LocationCode,
			Available:       row.Available,
			ReorderPoint:    row.ReorderPoint,
			ReorderQuantity: row.ReorderQuantity,
		}
	}
	if int64(pageNumber*pageSize) < total {
		page.NextPageToken = strconv.Itoa(pageNumber + 1)
	}

	if firstPage && s.redis != nil {
		if payload, err := json.Marshal(page); err == nil {
			_ = s.redis.Set(ctx, LowStockCacheKey, payload, cacheTTL)
		}
	}

	return page, nil
}
