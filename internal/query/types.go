package query

import (
	fpmath "TroveLedger/internal/math"
	"time"

	"github.com/google/uuid"
)

// Amounts are encoded as raw 1e18 integers (see fpmath.Amount.MarshalText).

// TroveResponse is the live view of one trove.
type TroveResponse struct {
	Owner       uuid.UUID     `json:"owner"`
	Asset       string        `json:"asset"`
	Status      string        `json:"status"`
	Debt        fpmath.Amount `json:"debt"`
	Coll        fpmath.Amount `json:"coll"`
	Stake       fpmath.Amount `json:"stake"`
	PendingDebt fpmath.Amount `json:"pending_debt"`
	PendingColl fpmath.Amount `json:"pending_coll"`
	EntireDebt  fpmath.Amount `json:"entire_debt"`
	EntireColl  fpmath.Amount `json:"entire_coll"`

	// Derived at query time from the oracle's current view
	ICR        fpmath.Amount `json:"icr"`
	Price      fpmath.Amount `json:"price"`
	PriceValid bool          `json:"price_valid"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// UserTrovesResponse lists the assets a user holds a trove in.
type UserTrovesResponse struct {
	Owner        uuid.UUID       `json:"owner"`
	Troves       []TroveResponse `json:"troves"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// AssetResponse aggregates one collateral asset.
type AssetResponse struct {
	Asset           string        `json:"asset"`
	TroveCount      int           `json:"trove_count"`
	ActiveColl      fpmath.Amount `json:"active_coll"`
	ActiveDebt      fpmath.Amount `json:"active_debt"`
	DefaultColl     fpmath.Amount `json:"default_coll"`
	DefaultDebt     fpmath.Amount `json:"default_debt"`
	UnallocatedColl fpmath.Amount `json:"unallocated_coll"`
	UnallocatedDebt fpmath.Amount `json:"unallocated_debt"`
	TotalStakes     fpmath.Amount `json:"total_stakes"`
	LColl           fpmath.Amount `json:"l_coll"`
	LDebt           fpmath.Amount `json:"l_debt"`

	TCR          fpmath.Amount `json:"tcr"`
	RecoveryMode bool          `json:"recovery_mode"`
	FeeRate      fpmath.Amount `json:"fee_rate"`
	BaseRate     fpmath.Amount `json:"base_rate"`
	Price        PriceResponse `json:"price"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PriceResponse is the monitoring view of an asset's price.
type PriceResponse struct {
	Asset     string        `json:"asset"`
	Price     fpmath.Amount `json:"price"`
	IsValid   bool          `json:"is_valid"`
	IsCached  bool          `json:"is_cached"`
	Timestamp time.Time     `json:"timestamp"`
}

// PoolResponse is the stability pool's global state.
type PoolResponse struct {
	TotalDeposits fpmath.Amount            `json:"total_deposits"`
	P             fpmath.Amount            `json:"p"`
	Epoch         uint64                   `json:"epoch"`
	Scale         uint64                   `json:"scale"`
	Depositors    int                      `json:"depositors"`
	Collateral    map[string]fpmath.Amount `json:"collateral"`
	AsOfSequence  int64                    `json:"as_of_sequence"`
}

// DepositResponse is one depositor's compounded deposit and gains.
type DepositResponse struct {
	Depositor    uuid.UUID                `json:"depositor"`
	Compounded   fpmath.Amount            `json:"compounded"`
	Gains        map[string]fpmath.Amount `json:"gains"`
	AsOfSequence int64                    `json:"as_of_sequence"`
}

// BalanceResponse is a projected wallet balance. The projection may lag the
// engine; AsOfSequence is the projection watermark.
type BalanceResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	Balance      string    `json:"balance"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// LiquidationResponse is one liquidation of a borrower's trove.
type LiquidationResponse struct {
	Sequence   int64     `json:"sequence"`
	Borrower   uuid.UUID `json:"borrower"`
	Asset      string    `json:"asset"`
	Debt       string    `json:"debt"`
	Coll       string    `json:"coll"`
	Liquidator uuid.UUID `json:"liquidator"`
	Time       time.Time `json:"time"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	EngineInvariant  string            `json:"engine_invariant,omitempty"`
}

// UnbalancedAsset represents an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
