package ledger

import "errors"

var (
	// ErrInsufficientInventory means the requested delta would drive the
	// available counter negative. Nothing is written.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	ErrVariantNotFound  = errors.New("variant not found")
	ErrLocationNotFound = errors.New("location not found")

	// ErrInactiveLocation rejects adjustments against disabled locations so
	// stock cannot drift into places the aggregates no longer track.
	ErrInactiveLocation = errors.New("location is inactive")

	// ErrConcurrencyConflict is surfaced after the bounded internal retries
	// are exhausted; the whole operation is safe to retry.
	ErrConcurrencyConflict = errors.New("concurrent modification conflict")

	ErrInvalidAdjustment = errors.New("invalid adjustment")
)
