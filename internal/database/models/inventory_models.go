package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product publication states mirrored from the commerce platform.
const (
	ProductStatusActive   = "active"
	ProductStatusDraft    = "draft"
	ProductStatusArchived = "archived"
)

type Product struct {
	ID        int32  `gorm:"primaryKey"`
	Title     string `gorm:"size:255"`
	Status    string `gorm:"size:50;default:active;index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Variants []ProductVariant `gorm:"foreignKey:ProductID"`
}

type ProductVariant struct {
	ID        int32 `gorm:"primaryKey"`
	ProductID int32
	SKU       string `gorm:"size:100;uniqueIndex"`
	Title     string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Product         *Product         `gorm:"foreignKey:ProductID"`
	QuantityRecords []QuantityRecord `gorm:"foreignKey:VariantID"`
}

type Location struct {
	ID           int32  `gorm:"primaryKey"`
	LocationCode string `gorm:"size:100;uniqueIndex"`
	LocationName string `gorm:"size:255"`
	// no column default: gorm drops zero-valued fields that carry one, which
	// would silently store a deactivated location as active. The registry sets
	// the flag explicitly on every create.
	IsActive  bool
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time

	QuantityRecords []QuantityRecord `gorm:"foreignKey:LocationID"`
}

// QuantityRecord holds the current counters for one (variant, location) pair.
// Rows are created lazily on first adjustment and mutated only by the ledger
// service; Version backs the optimistic concurrency check.
type QuantityRecord struct {
	ID              int64           `gorm:"primaryKey"`
	VariantID       int32           `gorm:"uniqueIndex:idx_variant_location"`
	LocationID      int32           `gorm:"uniqueIndex:idx_variant_location"`
	Available       int64           `gorm:"default:0"`
	Committed       int64           `gorm:"default:0"`
	Damaged         int64           `gorm:"default:0"`
	InTransit       int64           `gorm:"default:0"`
	Reserved        int64           `gorm:"default:0"`
	ReorderPoint    int64           `gorm:"default:0"`
	ReorderQuantity int64           `gorm:"default:0"`
	UnitCost        decimal.Decimal `gorm:"type:numeric;default:0"`
	LastCountedAt   *time.Time
	Version         int64 `gorm:"default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Variant  *ProductVariant `gorm:"foreignKey:VariantID"`
	Location *Location       `gorm:"foreignKey:LocationID"`
}

// AdjustmentEntry is the append-only audit trail. Entries are never updated or
// deleted; the auto-increment ID is the history sort key.
type AdjustmentEntry struct {
	ID               int64  `gorm:"primaryKey"`
	VariantID        int32  `gorm:"index:idx_entry_variant_location"`
	LocationID       int32  `gorm:"index:idx_entry_variant_location"`
	AdjustmentType   string `gorm:"size:50"`
	QuantityChange   int64
	QuantityBefore   int64
	QuantityAfter    int64
	Reason           *string          `gorm:"size:255"`
	Notes            *string          `gorm:"size:255"`
	ReferenceOrderID *string          `gorm:"size:100;index"`
	UnitCost         *decimal.Decimal `gorm:"type:numeric"`
	CreatedAt        time.Time

	Variant  *ProductVariant `gorm:"foreignKey:VariantID"`
	Location *Location       `gorm:"foreignKey:LocationID"`
}
