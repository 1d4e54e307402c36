package readmodel

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stockroom-system/internal/database"
	"stockroom-system/internal/database/models"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.MigrateInventoryDB(db))
	return NewService(db, nil, zap.NewNop()), db
}

func seedVariant(t *testing.T, db *gorm.DB, sku, productStatus string) models.ProductVariant {
	t.Helper()
	product := models.Product{Title: "Product " + sku, Status: productStatus}
	require.NoError(t, db.Create(&product).Error)
	variant := models.ProductVariant{ProductID: product.ID, SKU: sku, Title: sku}
	require.NoError(t, db.Create(&variant).Error)
	return variant
}

func seedLocation(t *testing.T, db *gorm.DB, code string, active bool) models.Location {
	t.Helper()
	location := models.Location{LocationCode: code, LocationName: code, IsActive: active}
	require.NoError(t, db.Create(&location).Error)
	return location
}

func seedRecord(t *testing.T, db *gorm.DB, rec models.QuantityRecord) {
	t.Helper()
	require.NoError(t, db.Create(&rec).Error)
}

func TestSummaryFor_SumsAcrossLocations(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	variant := seedVariant(t, db, "MUG-BLUE", models.ProductStatusActive)
	main := seedLocation(t, db, "MAIN", true)
	annex := seedLocation(t, db, "ANNEX", true)

	seedRecord(t, db, models.QuantityRecord{
		VariantID: variant.ID, LocationID: main.ID,
		Available: 10, Committed: 3, Damaged: 1, InTransit: 2, Reserved: 1,
		ReorderPoint: 5, UnitCost: decimal.RequireFromString("2.00"),
	})
	seedRecord(t, db, models.QuantityRecord{
		VariantID: variant.ID, LocationID: annex.ID,
		Available: 4, Committed: 1,
		ReorderPoint: 2, UnitCost: decimal.RequireFromString("2.50"),
	})

	summary, err := svc.SummaryFor(ctx, variant.ID)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, int64(14), summary.Available)
	assert.Equal(t, int64(4), summary.Committed)
	assert.Equal(t, int64(1), summary.Damaged)
	assert.Equal(t, int64(2), summary.InTransit)
	assert.Equal(t, int64(1), summary.Reserved)
	// (10-3) + (4-1), computed per location
	assert.Equal(t, int64(10), summary.AvailableToSell)
	assert.True(t, summary.StockValue.Equal(decimal.RequireFromString("30.00")),
		"10*2.00 + 4*2.50, got %s", summary.StockValue)
	assert.False(t, summary.LowStock)
	assert.Len(t, summary.Locations, 2)
}

func TestSummaryFor_InactiveLocationExcludedFromATS(t *testing.T) {
	svc, db := newTestService(t)

	variant := seedVariant(t, db, "MUG-RED", models.ProductStatusActive)
	main := seedLocation(t, db, "MAIN", true)
	closed := seedLocation(t, db, "CLOSED", false)

	seedRecord(t, db, models.QuantityRecord{VariantID: variant.ID, LocationID: main.ID, Available: 5, Committed: 2})
	seedRecord(t, db, models.QuantityRecord{VariantID: variant.ID, LocationID: closed.ID, Available: 100})

	summary, err := svc.SummaryFor(context.Background(), variant.ID)
	require.NoError(t, err)

	// totals still include the inactive location, available-to-sell does not
	assert.Equal(t, int64(105), summary.Available)
	assert.Equal(t, int64(3), summary.AvailableToSell)
}

func TestSummaryFor_NegativeATSSurfaces(t *testing.T) {
	svc, db := newTestService(t)

	variant := seedVariant(t, db, "MUG-GRN", models.ProductStatusActive)
	main := seedLocation(t, db, "MAIN", true)

	// committed exceeding available is a ledger-usage bug upstream; the
	// summary must show it rather than clamp it away
	seedRecord(t, db, models.QuantityRecord{VariantID: variant.ID, LocationID: main.ID, Available: 2, Committed: 5})

	summary, err := svc.SummaryFor(context.Background(), variant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), summary.AvailableToSell)
	require.Len(t, summary.Locations, 1)
	assert.Equal(t, int64(-3), summary.Locations[0].AvailableToSell)
}

func TestSummaryFor_IdempotentAndMissingVariant(t *testing.T) {
	svc, db := newTestService(t)

	variant := seedVariant(t, db, "MUG-YLW", models.ProductStatusActive)
	main := seedLocation(t, db, "MAIN", true)
	seedRecord(t, db, models.QuantityRecord{VariantID: variant.ID, LocationID: main.ID, Available: 7, Committed: 2})

	first, err := svc.SummaryFor(context.Background(), variant.ID)
	require.NoError(t, err)
	second, err := svc.SummaryFor(context.Background(), variant.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	missing, err := svc.SummaryFor(context.Background(), 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLowStock_OrderingAndScoping(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	variant := seedVariant(t, db, "MUG-BLK", models.ProductStatusActive)
	draft := seedVariant(t, db, "MUG-DRAFT", models.ProductStatusDraft)
	l1 := seedLocation(t, db, "L1", true)
	l2 := seedLocation(t, db, "L2", true)
	closed := seedLocation(t, db, "CLOSED", false)

	seedRecord(t, db, models.QuantityRecord{VariantID: variant.ID, LocationID: l1.ID, Available: 10, ReorderPoint: 10, ReorderQuantity: 20})
	seedRecord(t, db, models.QuantityRecord{VariantID: variant.ID, LocationID: l2.ID, Available: 5, ReorderPoint: 10, ReorderQuantity: 15})
	// excluded: inactive location, non-active product, healthy stock
	seedRecord(t, db, models.QuantityRecord{VariantID: variant.ID, LocationID: closed.ID, Available: 0, ReorderPoint: 10})
	seedRecord(t, db, models.QuantityRecord{VariantID: draft.ID, LocationID: l1.ID, Available: 0, ReorderPoint: 10})

	page, err := svc.LowStock(ctx, 50, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(2), page.TotalCount)

	// most depleted first
	assert.Equal(t, l2.ID, page.Items[0].LocationID)
	assert.Equal(t, int64(5), page.Items[0].Available)
	assert.Equal(t, int64(15), page.Items[0].ReorderQuantity)
	assert.Equal(t, l1.ID, page.Items[1].LocationID)
	assert.Equal(t, "MUG-BLK", page.Items[1].SKU)
}

func TestLowStock_Pagination(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	variant := seedVariant(t, db, "MUG-PAG", models.ProductStatusActive)
	for i := 0; i < 3; i++ {
		loc := seedLocation(t, db, fmt.Sprintf("L%d", i), true)
		seedRecord(t, db, models.QuantityRecord{VariantID: variant.ID, LocationID: loc.ID, Available: int64(i), ReorderPoint: 10})
	}

	page, err := svc.LowStock(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(3), page.TotalCount)
	require.NotEmpty(t, page.NextPageToken)

	page, err = svc.LowStock(ctx, 2, page.NextPageToken)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(2), page.Items[0].Available)
	assert.Empty(t, page.NextPageToken)
}
