package ledger

import (
	fpmath "TroveLedger/internal/math"
	"fmt"
	"sort"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies that, per asset, internal balances sum to
// exactly what has entered the book through external accounts
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	assets := make(map[string]struct{}, len(totals))
	for a := range totals {
		assets[a] = struct{}{}
	}
	for a := range v.tracker.issued {
		assets[a] = struct{}{}
	}
	ordered := make([]string, 0, len(assets))
	for a := range assets {
		ordered = append(ordered, a)
	}
	sort.Strings(ordered)

	for _, asset := range ordered {
		if !totals[asset].Eq(v.tracker.Issued(asset)) {
			return fmt.Errorf("global balance for %s is %s, issued %s",
				asset, totals[asset].Raw(), v.tracker.Issued(asset).Raw())
		}
	}

	return nil
}

// ValidateSystemAccount checks that a system account holds exactly want
func (v *InvariantValidator) ValidateSystemAccount(subType AccountSubType, asset string, want fpmath.Amount) error {
	key := NewSystemAccountKey(subType, asset)
	if got := v.tracker.GetBalance(key); !got.Eq(want) {
		return fmt.Errorf("%s holds %s, expected %s", key.AccountPath(), got.Raw(), want.Raw())
	}
	return nil
}
