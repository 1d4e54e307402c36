package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stockroom-system/internal/database/models"
	"stockroom-system/internal/readmodel"
)

const (
	maxAttempts  = 3
	retryBackoff = 25 * time.Millisecond
)

// Service is the only component allowed to mutate quantity records. Every
// successful mutation writes exactly one ledger entry per touched record in
// the same transaction, and the available counter never goes negative.
type Service struct {
	db    *gorm.DB
	redis *redis.Client
	log   *zap.Logger
}

func NewService(db *gorm.DB, redisClient *redis.Client, logger *zap.Logger) *Service {
	return &Service{
		db:    db,
		redis: redisClient,
		log:   logger,
	}
}

type AdjustmentInput struct {
	VariantID        int32            `json:"variant_id"`
	LocationID       int32            `json:"location_id"`
	Type             AdjustmentType   `json:"adjustment_type"`
	QuantityChange   int64            `json:"quantity_change"`
	Reason           *string          `json:"reason"`
	Notes            *string          `json:"notes"`
	ReferenceOrderID *string          `json:"reference_order_id"`
	UnitCost         *decimal.Decimal `json:"unit_cost"`
}

// ApplyAdjustment applies a signed delta to the available counter of one
// (variant, location) pair. The quantity record is created lazily inside the
// transaction when the variant has never been stocked at the location.
// Version conflicts are retried up to maxAttempts before ErrConcurrencyConflict
// is surfaced; all other failures are returned as-is with nothing written.
func (s *Service) ApplyAdjustment(ctx context.Context, in AdjustmentInput) (*models.QuantityRecord, *models.AdjustmentEntry, error) {
	if !in.Type.Valid() || in.QuantityChange == 0 {
		return nil, nil, ErrInvalidAdjustment
	}

	var (
		rec   *models.QuantityRecord
		entry *models.AdjustmentEntry
	)
	err := s.withRetry(ctx, "apply_adjustment", func() error {
		var err error
		rec, entry, err = s.applyOnce(ctx, in)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	readmodel.InvalidateCaches(ctx, s.redis, in.VariantID)
	return rec, entry, nil
}

func (s *Service) applyOnce(ctx context.Context, in AdjustmentInput) (*models.QuantityRecord, *models.AdjustmentEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := s.checkVariant(tx, in.VariantID); err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	if err := s.checkLocation(tx, in.LocationID); err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	rec, err := getOrCreateRecord(tx, in.VariantID, in.LocationID)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	newAvailable := rec.Available + in.QuantityChange
	if newAvailable < 0 {
		tx.Rollback()
		return nil, nil, ErrInsufficientInventory
	}

	now := time.Now()
	updates := map[string]interface{}{
		"available":  newAvailable,
		"version":    rec.Version + 1,
		"updated_at": now,
	}
	if in.UnitCost != nil {
		updates["unit_cost"] = *in.UnitCost
	}
	if err := casUpdate(tx, rec, updates); err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	entry := &models.AdjustmentEntry{
		VariantID:        in.VariantID,
		LocationID:       in.LocationID,
		AdjustmentType:   in.Type.String(),
		QuantityChange:   in.QuantityChange,
		QuantityBefore:   rec.Available,
		QuantityAfter:    newAvailable,
		Reason:           in.Reason,
		Notes:            in.Notes,
		ReferenceOrderID: in.ReferenceOrderID,
		UnitCost:         in.UnitCost,
		CreatedAt:        now,
	}
	if err := tx.Create(entry).Error; err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, nil, err
	}

	rec.Available = newAvailable
	rec.Version++
	rec.UpdatedAt = now
	if in.UnitCost != nil {
		rec.UnitCost = *in.UnitCost
	}

	s.log.Info("adjustment applied",
		zap.Int32("variant_id", in.VariantID),
		zap.Int32("location_id", in.LocationID),
		zap.String("type", in.Type.String()),
		zap.Int64("change", in.QuantityChange),
		zap.Int64("available", newAvailable),
	)
	return rec, entry, nil
}

// Transfer moves quantity between two locations as one atomic unit. Both
// quantity records and both transfer entries commit together, paired by a
// shared reference id, so a crash cannot leave stock removed from the source
// without arriving at the destination.
func (s *Service) Transfer(ctx context.Context, variantID, fromLocation, toLocation int32, quantity int64, notes *string) ([]models.AdjustmentEntry, error) {
	if quantity <= 0 || fromLocation == toLocation {
		return nil, ErrInvalidAdjustment
	}

	var entries []models.AdjustmentEntry
	err := s.withRetry(ctx, "transfer", func() error {
		var err error
		entries, err = s.transferOnce(ctx, variantID, fromLocation, toLocation, quantity, notes)
		return err
	})
	if err != nil {
		return nil, err
	}

	readmodel.InvalidateCaches(ctx, s.redis, variantID)
	return entries, nil
}

func (s *Service) transferOnce(ctx context.Context, variantID, fromLocation, toLocation int32, quantity int64, notes *string) ([]models.AdjustmentEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := s.checkVariant(tx, variantID); err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, locID := range []int32{fromLocation, toLocation} {
		if err := s.checkLocation(tx, locID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	src, err := getOrCreateRecord(tx, variantID, fromLocation)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if src.Available < quantity {
		tx.Rollback()
		return nil, ErrInsufficientInventory
	}
	dst, err := getOrCreateRecord(tx, variantID, toLocation)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now()
	if err := casUpdate(tx, src, map[string]interface{}{
		"available":  src.Available - quantity,
		"version":    src.Version + 1,
		"updated_at": now,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := casUpdate(tx, dst, map[string]interface{}{
		"available":  dst.Available + quantity,
		"version":    dst.Version + 1,
		"updated_at": now,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}

	reference := uuid.NewString()
	entries := []models.AdjustmentEntry{
		{
			VariantID:        variantID,
			LocationID:       fromLocation,
			AdjustmentType:   TypeTransfer.String(),
			QuantityChange:   -quantity,
			QuantityBefore:   src.Available,
			QuantityAfter:    src.Available - quantity,
			Notes:            notes,
			ReferenceOrderID: &reference,
			CreatedAt:        now,
		},
		{
			VariantID:        variantID,
			LocationID:       toLocation,
			AdjustmentType:   TypeTransfer.String(),
			QuantityChange:   quantity,
			QuantityBefore:   dst.Available,
			QuantityAfter:    dst.Available + quantity,
			Notes:            notes,
			ReferenceOrderID: &reference,
			CreatedAt:        now,
		},
	}
	if err := tx.Create(&entries).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	s.log.Info("stock transferred",
		zap.Int32("variant_id", variantID),
		zap.Int32("from_location", fromLocation),
		zap.Int32("to_location", toLocation),
		zap.Int64("quantity", quantity),
		zap.String("reference", reference),
	)
	return entries, nil
}

// Reserve commits quantity to an order: available goes down, committed goes
// up, and the available delta lands in the ledger.
func (s *Service) Reserve(ctx context.Context, variantID, locationID int32, quantity int64, referenceOrderID *string) (*models.QuantityRecord, error) {
	return s.moveCommitted(ctx, variantID, locationID, quantity, true, referenceOrderID)
}

// Release undoes a reservation: committed goes down, available goes back up.
func (s *Service) Release(ctx context.Context, variantID, locationID int32, quantity int64, referenceOrderID *string) (*models.QuantityRecord, error) {
	return s.moveCommitted(ctx, variantID, locationID, quantity, false, referenceOrderID)
}

func (s *Service) moveCommitted(ctx context.Context, variantID, locationID int32, quantity int64, reserve bool, referenceOrderID *string) (*models.QuantityRecord, error) {
	if quantity <= 0 {
		return nil, ErrInvalidAdjustment
	}

	var rec *models.QuantityRecord
	err := s.withRetry(ctx, "move_committed", func() error {
		var err error
		rec, err = s.moveCommittedOnce(ctx, variantID, locationID, quantity, reserve, referenceOrderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	readmodel.InvalidateCaches(ctx, s.redis, variantID)
	return rec, nil
}

func (s *Service) moveCommittedOnce(ctx context.Context, variantID, locationID int32, quantity int64, reserve bool, referenceOrderID *string) (*models.QuantityRecord, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := s.checkVariant(tx, variantID); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := s.checkLocation(tx, locationID); err != nil {
		tx.Rollback()
		return nil, err
	}

	rec, err := getOrCreateRecord(tx, variantID, locationID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	change := -quantity
	reason := "reserve"
	if !reserve {
		change = quantity
		reason = "release"
	}
	newAvailable := rec.Available + change
	newCommitted := rec.Committed - change
	if newAvailable < 0 || newCommitted < 0 {
		tx.Rollback()
		return nil, ErrInsufficientInventory
	}

	now := time.Now()
	if err := casUpdate(tx, rec, map[string]interface{}{
		"available":  newAvailable,
		"committed":  newCommitted,
		"version":    rec.Version + 1,
		"updated_at": now,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}

	entry := &models.AdjustmentEntry{
		VariantID:        variantID,
		LocationID:       locationID,
		AdjustmentType:   TypeAdjustment.String(),
		QuantityChange:   change,
		QuantityBefore:   rec.Available,
		QuantityAfter:    newAvailable,
		Reason:           &reason,
		ReferenceOrderID: referenceOrderID,
		CreatedAt:        now,
	}
	if err := tx.Create(entry).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	rec.Available = newAvailable
	rec.Committed = newCommitted
	rec.Version++
	rec.UpdatedAt = now
	return rec, nil
}

// SetReorderPoint updates the restock thresholds for a pair. Quantities are
// untouched, so no ledger entry is written.
func (s *Service) SetReorderPoint(ctx context.Context, variantID, locationID int32, point, quantity int64) (*models.QuantityRecord, error) {
	if point < 0 || quantity < 0 {
		return nil, ErrInvalidAdjustment
	}

	var rec *models.QuantityRecord
	err := s.withRetry(ctx, "set_reorder_point", func() error {
		var err error
		rec, err = s.setReorderPointOnce(ctx, variantID, locationID, point, quantity)
		return err
	})
	if err != nil {
		return nil, err
	}

	readmodel.InvalidateCaches(ctx, s.redis, variantID)
	return rec, nil
}

func (s *Service) setReorderPointOnce(ctx context.Context, variantID, locationID int32, point, quantity int64) (*models.QuantityRecord, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := s.checkVariant(tx, variantID); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := s.checkLocation(tx, locationID); err != nil {
		tx.Rollback()
		return nil, err
	}

	rec, err := getOrCreateRecord(tx, variantID, locationID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now()
	if err := casUpdate(tx, rec, map[string]interface{}{
		"reorder_point":    point,
		"reorder_quantity": quantity,
		"version":          rec.Version + 1,
		"updated_at":       now,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	rec.ReorderPoint = point
	rec.ReorderQuantity = quantity
	rec.Version++
	rec.UpdatedAt = now
	return rec, nil
}

// RecordCount reconciles a physical count: available is corrected to the
// counted value through a correction entry and last_counted_at is stamped.
// A count matching the current value stamps the timestamp without an entry.
func (s *Service) RecordCount(ctx context.Context, variantID, locationID int32, counted int64, notes *string) (*models.QuantityRecord, *models.AdjustmentEntry, error) {
	if counted < 0 {
		return nil, nil, ErrInvalidAdjustment
	}

	var (
		rec   *models.QuantityRecord
		entry *models.AdjustmentEntry
	)
	err := s.withRetry(ctx, "record_count", func() error {
		var err error
		rec, entry, err = s.recordCountOnce(ctx, variantID, locationID, counted, notes)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	readmodel.InvalidateCaches(ctx, s.redis, variantID)
	return rec, entry, nil
}

func (s *Service) recordCountOnce(ctx context.Context, variantID, locationID int32, counted int64, notes *string) (*models.QuantityRecord, *models.AdjustmentEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := s.checkVariant(tx, variantID); err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	if err := s.checkLocation(tx, locationID); err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	rec, err := getOrCreateRecord(tx, variantID, locationID)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	now := time.Now()
	if err := casUpdate(tx, rec, map[string]interface{}{
		"available":       counted,
		"last_counted_at": now,
		"version":         rec.Version + 1,
		"updated_at":      now,
	}); err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	var entry *models.AdjustmentEntry
	if delta := counted - rec.Available; delta != 0 {
		reason := "physical count"
		entry = &models.AdjustmentEntry{
			VariantID:      variantID,
			LocationID:     locationID,
			AdjustmentType: TypeCorrection.String(),
			QuantityChange: delta,
			QuantityBefore: rec.Available,
			QuantityAfter:  counted,
			Reason:         &reason,
			Notes:          notes,
			CreatedAt:      now,
		}
		if err := tx.Create(entry).Error; err != nil {
			tx.Rollback()
			return nil, nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, nil, err
	}

	rec.Available = counted
	rec.LastCountedAt = &now
	rec.Version++
	rec.UpdatedAt = now
	return rec, entry, nil
}

type HistoryPage struct {
	Entries       []models.AdjustmentEntry `json:"entries"`
	TotalCount    int64                    `json:"total_count"`
	NextPageToken string                   `json:"next_page_token"`
}

// GetHistory pages through the audit trail newest-first. The monotonic entry
// id is the sort key; created_at can collide within a transaction.
func (s *Service) GetHistory(ctx context.Context, variantID int32, locationID *int32, pageSize int, pageToken string) (*HistoryPage, error) {
	// fresh query per use; gorm chains accumulate state
	historyQuery := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&models.AdjustmentEntry{}).Where("variant_id = ?", variantID)
		if locationID != nil && *locationID != 0 {
			q = q.Where("location_id = ?", *locationID)
		}
		return q
	}

	var total int64
	if err := historyQuery().Count(&total).Error; err != nil {
		return nil, err
	}

	if pageSize <= 0 {
		pageSize = 50
	}
	pageNumber := 1
	if pageToken != "" {
		if n, err := strconv.Atoi(pageToken); err == nil && n > 0 {
			pageNumber = n
		}
	}
	offset := (pageNumber - 1) * pageSize

	var entries []models.AdjustmentEntry
	if err := historyQuery().Order("id DESC").Offset(offset).Limit(pageSize).Find(&entries).Error; err != nil {
		return nil, err
	}

	page := &HistoryPage{Entries: entries, TotalCount: total}
	if int64(pageNumber*pageSize) < total {
		page.NextPageToken = strconv.Itoa(pageNumber + 1)
	}
	return page, nil
}

func (s *Service) checkVariant(tx *gorm.DB, variantID int32) error {
	var variant models.ProductVariant
	if err := tx.First(&variant, variantID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrVariantNotFound
		}
		return err
	}
	return nil
}

func (s *Service) checkLocation(tx *gorm.DB, locationID int32) error {
	var location models.Location
	if err := tx.First(&location, locationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrLocationNotFound
		}
		return err
	}
	if !location.IsActive {
		return ErrInactiveLocation
	}
	return nil
}

// getOrCreateRecord materializes the quantity record for a pair inside the
// caller's transaction. A creation race resolves through the unique
// (variant_id, location_id) index: the loser reports a conflict and the whole
// operation retries against the winner's row. Other insert failures are not
// retryable and pass through untouched.
func getOrCreateRecord(tx *gorm.DB, variantID, locationID int32) (*models.QuantityRecord, error) {
	var rec models.QuantityRecord
	err := tx.Where("variant_id = ? AND location_id = ?", variantID, locationID).First(&rec).Error
	if err == nil {
		return &rec, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	rec = models.QuantityRecord{VariantID: variantID, LocationID: locationID}
	if err := tx.Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConcurrencyConflict
		}
		return nil, err
	}
	return &rec, nil
}

// casUpdate is the optimistic lock: the update only lands when the version
// read at the start of the transaction is still current.
func casUpdate(tx *gorm.DB, rec *models.QuantityRecord, updates map[string]interface{}) error {
	res := tx.Model(&models.QuantityRecord{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err != ErrConcurrencyConflict {
			return err
		}
		if attempt < maxAttempts {
			s.log.Warn("version conflict, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
	}
	return err
}
