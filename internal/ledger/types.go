package ledger

// AdjustmentType is the closed set of reasons a quantity record's available
// counter may change. The audit trail stores it as text, but callers can only
// pass one of these values.
type AdjustmentType string

const (
	TypeReceived   AdjustmentType = "received"
	TypeSold       AdjustmentType = "sold"
	TypeDamaged    AdjustmentType = "damaged"
	TypeReturned   AdjustmentType = "returned"
	TypeTransfer   AdjustmentType = "transfer"
	TypeCorrection AdjustmentType = "correction"
	TypeAdjustment AdjustmentType = "adjustment"
)

func (t AdjustmentType) Valid() bool {
	switch t {
	case TypeReceived, TypeSold, TypeDamaged, TypeReturned, TypeTransfer, TypeCorrection, TypeAdjustment:
		return true
	}
	return false
}

func (t AdjustmentType) String() string {
	return string(t)
}
