package event

import (
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// TroveOperation says which lifecycle step produced a TroveUpdated event
type TroveOperation uint8

const (
	OpOpenTrove TroveOperation = iota
	OpCloseTrove
	OpAdjustTrove
	OpApplyPendingRewards
	OpLiquidate
)

func (op TroveOperation) String() string {
	switch op {
	case OpOpenTrove:
		return "open"
	case OpCloseTrove:
		return "close"
	case OpAdjustTrove:
		return "adjust"
	case OpApplyPendingRewards:
		return "apply_pending_rewards"
	case OpLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

func (op TroveOperation) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

// TroveUpdated is emitted on every ledger mutation of a trove
type TroveUpdated struct {
	Borrower  uuid.UUID      `json:"borrower"`
	Asset     string         `json:"asset"`
	Debt      fpmath.Amount  `json:"debt"`
	Coll      fpmath.Amount  `json:"coll"`
	Stake     fpmath.Amount  `json:"stake"`
	Operation TroveOperation `json:"operation"`
}

func (e *TroveUpdated) EventType() EventType { return EventTypeTroveUpdated }
func (e *TroveUpdated) AssetID() string      { return e.Asset }

// TroveLiquidated records the debt and collateral a trove carried when liquidated
type TroveLiquidated struct {
	Borrower   uuid.UUID     `json:"borrower"`
	Asset      string        `json:"asset"`
	Debt       fpmath.Amount `json:"debt"`
	Coll       fpmath.Amount `json:"coll"`
	Liquidator uuid.UUID     `json:"liquidator"`
	ICR        fpmath.Amount `json:"icr"`
	Price      fpmath.Amount `json:"price"`
}

func (e *TroveLiquidated) EventType() EventType { return EventTypeTroveLiquidated }
func (e *TroveLiquidated) AssetID() string      { return e.Asset }

// Redistribution records residual debt/coll spread over the remaining stakes
type Redistribution struct {
	Asset string        `json:"asset"`
	Debt  fpmath.Amount `json:"debt"`
	Coll  fpmath.Amount `json:"coll"`
	LDebt fpmath.Amount `json:"l_debt"`
	LColl fpmath.Amount `json:"l_coll"`
}

func (e *Redistribution) EventType() EventType { return EventTypeRedistribution }
func (e *Redistribution) AssetID() string      { return e.Asset }

// RedistributionSkipped is emitted when the liquidated trove was the only stake holder
type RedistributionSkipped struct {
	Asset string        `json:"asset"`
	Debt  fpmath.Amount `json:"debt"`
	Coll  fpmath.Amount `json:"coll"`
}

func (e *RedistributionSkipped) EventType() EventType { return EventTypeRedistributionSkipped }
func (e *RedistributionSkipped) AssetID() string      { return e.Asset }

// LiquidationSummary aggregates one liquidate/batch call
type LiquidationSummary struct {
	Asset           string        `json:"asset"`
	Liquidator      uuid.UUID     `json:"liquidator"`
	Liquidated      int           `json:"liquidated"`
	Skipped         int           `json:"skipped"`
	Debt            fpmath.Amount `json:"debt"`
	Coll            fpmath.Amount `json:"coll"`
	DebtGasComp     fpmath.Amount `json:"debt_gas_comp"`
	CollGasComp     fpmath.Amount `json:"coll_gas_comp"`
	DebtOffset      fpmath.Amount `json:"debt_offset"`
	DebtRedistrib   fpmath.Amount `json:"debt_redistributed"`
	DebtUnallocated fpmath.Amount `json:"debt_unallocated"`
}

func (e *LiquidationSummary) EventType() EventType { return EventTypeLiquidationSummary }
func (e *LiquidationSummary) AssetID() string      { return e.Asset }

// BorrowingFeePaid records the fee charged on an open or debt increase
type BorrowingFeePaid struct {
	Borrower uuid.UUID     `json:"borrower"`
	Asset    string        `json:"asset"`
	Fee      fpmath.Amount `json:"fee"`
}

func (e *BorrowingFeePaid) EventType() EventType { return EventTypeBorrowingFeePaid }
func (e *BorrowingFeePaid) AssetID() string      { return e.Asset }

// BaseRateUpdated is emitted when the decayed base rate is written back
type BaseRateUpdated struct {
	Asset    string        `json:"asset"`
	BaseRate fpmath.Amount `json:"base_rate"`
}

func (e *BaseRateUpdated) EventType() EventType { return EventTypeBaseRateUpdated }
func (e *BaseRateUpdated) AssetID() string      { return e.Asset }
