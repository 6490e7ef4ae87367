package event

import (
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// Offset records debt absorbed by the stability pool and the collateral it received
type Offset struct {
	Asset           string        `json:"asset"`
	DebtAbsorbed    fpmath.Amount `json:"debt_absorbed"`
	CollateralAdded fpmath.Amount `json:"collateral_added"`
	P               fpmath.Amount `json:"p"`
	Epoch           uint64        `json:"epoch"`
	Scale           uint64        `json:"scale"`
}

func (e *Offset) EventType() EventType { return EventTypeOffset }
func (e *Offset) AssetID() string      { return e.Asset }

// DepositUpdated carries a depositor's new initial value and snapshot
type DepositUpdated struct {
	Depositor uuid.UUID     `json:"depositor"`
	Deposit   fpmath.Amount `json:"deposit"`
	P         fpmath.Amount `json:"p"`
	Epoch     uint64        `json:"epoch"`
	Scale     uint64        `json:"scale"`
}

func (e *DepositUpdated) EventType() EventType { return EventTypeDepositUpdated }
func (e *DepositUpdated) AssetID() string      { return "" }

type CollateralGainClaimed struct {
	Depositor uuid.UUID     `json:"depositor"`
	Asset     string        `json:"asset"`
	Amount    fpmath.Amount `json:"amount"`
}

func (e *CollateralGainClaimed) EventType() EventType { return EventTypeCollateralGainClaimed }
func (e *CollateralGainClaimed) AssetID() string      { return e.Asset }

type PoolEpochUpdated struct {
	Epoch uint64 `json:"epoch"`
}

func (e *PoolEpochUpdated) EventType() EventType { return EventTypePoolEpochUpdated }
func (e *PoolEpochUpdated) AssetID() string      { return "" }

type PoolScaleUpdated struct {
	Scale uint64 `json:"scale"`
}

func (e *PoolScaleUpdated) EventType() EventType { return EventTypePoolScaleUpdated }
func (e *PoolScaleUpdated) AssetID() string      { return "" }
