package ledger

import (
	fpmath "TroveLedger/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletFund JournalType = iota
	JournalTypeWalletWithdraw
	JournalTypeCollateralIn
	JournalTypeCollateralOut
	JournalTypeDebtMint
	JournalTypeDebtBurn
	JournalTypeDebtTransfer
	JournalTypeBorrowingFee
	JournalTypeGasCompReserve
	JournalTypeGasCompPayout
	JournalTypeCollGasComp
	JournalTypePoolDeposit
	JournalTypePoolWithdrawal
	JournalTypePoolOffsetBurn
	JournalTypePoolOffsetColl
	JournalTypePoolGainPayout
	JournalTypeRedistribution
	JournalTypeRewardApplied
	JournalTypeUnallocated
	JournalTypeTransfer
)

var journalTypeNames = map[JournalType]string{
	JournalTypeWalletFund:     "wallet_fund",
	JournalTypeWalletWithdraw: "wallet_withdraw",
	JournalTypeCollateralIn:   "collateral_in",
	JournalTypeCollateralOut:  "collateral_out",
	JournalTypeDebtMint:       "debt_mint",
	JournalTypeDebtBurn:       "debt_burn",
	JournalTypeDebtTransfer:   "debt_transfer",
	JournalTypeBorrowingFee:   "borrowing_fee",
	JournalTypeGasCompReserve: "gas_comp_reserve",
	JournalTypeGasCompPayout:  "gas_comp_payout",
	JournalTypeCollGasComp:    "coll_gas_comp",
	JournalTypePoolDeposit:    "pool_deposit",
	JournalTypePoolWithdrawal: "pool_withdrawal",
	JournalTypePoolOffsetBurn: "pool_offset_burn",
	JournalTypePoolOffsetColl: "pool_offset_coll",
	JournalTypePoolGainPayout: "pool_gain_payout",
	JournalTypeRedistribution: "redistribution",
	JournalTypeRewardApplied:  "reward_applied",
	JournalTypeUnallocated:    "unallocated",
	JournalTypeTransfer:       "transfer",
}

func (jt JournalType) String() string {
	if name, ok := journalTypeNames[jt]; ok {
		return name
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID     // Unique identifier (derived from call id + index)
	BatchID       uuid.UUID     // Groups the entries of one call
	EventRef      string        // Call id
	DebitAccount  AccountKey    // Account receiving debit (balance increases)
	CreditAccount AccountKey    // Account receiving credit (balance decreases)
	Asset         string        // Asset being transferred
	Amount        fpmath.Amount // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType   // Entry type
	Timestamp     int64         // Call time (epoch microseconds)
}

// Batch represents the balanced set of journal entries of one call
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount from credit to debit, so every entry
// is balanced by construction.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}

	return nil
}

// classify derives the journal type from the accounts a movement touches
func classify(from, to AccountKey) JournalType {
	switch {
	case from.SubType == SubTypeExternalBridge:
		return JournalTypeWalletFund
	case to.SubType == SubTypeExternalBridge:
		return JournalTypeWalletWithdraw
	case from.SubType == SubTypeExternalMint:
		switch to.SubType {
		case SubTypeFeeSink:
			return JournalTypeBorrowingFee
		case SubTypeGasPool:
			return JournalTypeGasCompReserve
		}
		return JournalTypeDebtMint
	case to.SubType == SubTypeExternalMint:
		if from.SubType == SubTypeStabilityPool {
			return JournalTypePoolOffsetBurn
		}
		return JournalTypeDebtBurn
	}

	switch from.SubType {
	case SubTypeGasPool:
		return JournalTypeGasCompPayout
	case SubTypeDefaultPool:
		return JournalTypeRewardApplied
	case SubTypeStabilityPool:
		if from.Asset == DebtToken {
			return JournalTypePoolWithdrawal
		}
		return JournalTypePoolGainPayout
	case SubTypeActivePool:
		switch to.SubType {
		case SubTypeStabilityPool:
			return JournalTypePoolOffsetColl
		case SubTypeDefaultPool:
			return JournalTypeRedistribution
		case SubTypeUnallocated:
			return JournalTypeUnallocated
		}
		return JournalTypeCollateralOut
	}

	switch to.SubType {
	case SubTypeActivePool:
		return JournalTypeCollateralIn
	case SubTypeStabilityPool:
		return JournalTypePoolDeposit
	}

	if from.Asset == DebtToken && from.Scope == AccountScopeUser && to.Scope == AccountScopeUser {
		return JournalTypeDebtTransfer
	}
	return JournalTypeTransfer
}
