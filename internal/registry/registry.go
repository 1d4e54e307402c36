package registry

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"stockroom-system/internal/database/models"
)

var (
	ErrLocationNotFound = errors.New("location not found")
	ErrDuplicateCode    = errors.New("location code already exists")

	// ErrDefaultLocation guards the bootstrapping invariant: deactivating the
	// default would leave new variants with nowhere to land.
	ErrDefaultLocation = errors.New("default location cannot be deactivated")
)

// Registry tracks the stock-holding locations and the single default. All
// default flips go through SetDefault; nothing else writes is_default.
type Registry struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Registry {
	return &Registry{db: db, log: logger}
}

// Create adds a location. The first location in the system becomes the
// default automatically.
func (r *Registry) Create(ctx context.Context, code, name string) (*models.Location, error) {
	location := &models.Location{
		LocationCode: code,
		LocationName: name,
		IsActive:     true,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Location
		err := tx.Where("location_code = ?", code).First(&existing).Error
		if err == nil {
			return ErrDuplicateCode
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}

		var count int64
		if err := tx.Model(&models.Location{}).Count(&count).Error; err != nil {
			return err
		}
		location.IsDefault = count == 0

		return tx.Create(location).Error
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("location created",
		zap.Int32("location_id", location.ID),
		zap.String("code", code),
		zap.Bool("is_default", location.IsDefault),
	)
	return location, nil
}

// SetDefault flips the default flag to the target location. The clear and the
// set run in one transaction so no reader ever observes zero or two defaults.
func (r *Registry) SetDefault(ctx context.Context, locationID int32) (*models.Location, error) {
	var location models.Location
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&location, locationID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrLocationNotFound
			}
			return err
		}
		if err := tx.Model(&models.Location{}).
			Where("is_default = ? AND id <> ?", true, locationID).
			Update("is_default", false).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Location{}).
			Where("id = ?", locationID).
			Update("is_default", true).Error; err != nil {
			return err
		}
		location.IsDefault = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &location, nil
}

// SetActive enables or disables a location. Inactive locations keep their
// quantity records but drop out of the low-stock and available-to-sell
// aggregates, and the ledger rejects adjustments against them.
func (r *Registry) SetActive(ctx context.Context, locationID int32, active bool) (*models.Location, error) {
	var location models.Location
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&location, locationID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrLocationNotFound
			}
			return err
		}
		if !active && location.IsDefault {
			return ErrDefaultLocation
		}
		if err := tx.Model(&models.Location{}).
			Where("id = ?", locationID).
			Update("is_active", active).Error; err != nil {
			return err
		}
		location.IsActive = active
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &location, nil
}

func (r *Registry) Get(ctx context.Context, locationID int32) (*models.Location, error) {
	var location models.Location
	if err := r.db.WithContext(ctx).First(&location, locationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrLocationNotFound
		}
		return nil, err
	}
	return &location, nil
}

func (r *Registry) List(ctx context.Context, activeOnly bool) ([]models.Location, error) {
	query := r.db.WithContext(ctx).Model(&models.Location{}).Order("id ASC")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var locations []models.Location
	if err := query.Find(&locations).Error; err != nil {
		return nil, err
	}
	return locations, nil
}

// ListActive returns the locations that participate in the aggregates.
func (r *Registry) ListActive(ctx context.Context) ([]models.Location, error) {
	return r.List(ctx, true)
}

// Default returns the current default location, or nil when no location
// exists yet.
func (r *Registry) Default(ctx context.Context) (*models.Location, error) {
	var location models.Location
	err := r.db.WithContext(ctx).Where("is_default = ?", true).First(&location).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &location, nil
}

// EnsureDefault repairs the single-default invariant at startup: if locations
// exist but none is flagged, the oldest active one (oldest overall as a
// fallback) is promoted.
func (r *Registry) EnsureDefault(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Location{}).Where("is_default = ?", true).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		var location models.Location
		err := tx.Where("is_active = ?", true).Order("id ASC").First(&location).Error
		if err == gorm.ErrRecordNotFound {
			err = tx.Order("id ASC").First(&location).Error
		}
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		r.log.Info("promoting location to default", zap.Int32("location_id", location.ID))
		return tx.Model(&models.Location{}).Where("id = ?", location.ID).Update("is_default", true).Error
	})
}
