package ledger

import (
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/txn"
	"errors"
	"fmt"
	"sort"
)

var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// BalanceTracker maintains in-memory account balances.
// External accounts are not tracked; money crossing the boundary changes the
// issued total of the asset instead, so Σ balances == issued at all times.
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Amount
	issued   map[string]fpmath.Amount
	journal  *txn.Journal
}

func NewBalanceTracker(journal *txn.Journal) *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Amount),
		issued:   make(map[string]fpmath.Amount),
		journal:  journal,
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	if !j.CreditAccount.IsExternal() {
		have := bt.balances[j.CreditAccount]
		if have.Lt(j.Amount) {
			return fmt.Errorf("%w: %s has %s, needs %s",
				ErrInsufficientBalance, j.CreditAccount.AccountPath(), have, j.Amount)
		}
	}

	switch {
	case j.CreditAccount.IsExternal() && !j.DebitAccount.IsExternal():
		txn.SetMap(bt.journal, bt.issued, j.Asset, bt.issued[j.Asset].Add(j.Amount))
	case j.DebitAccount.IsExternal() && !j.CreditAccount.IsExternal():
		txn.SetMap(bt.journal, bt.issued, j.Asset, bt.issued[j.Asset].Sub(j.Amount))
	}

	if !j.CreditAccount.IsExternal() {
		bt.set(j.CreditAccount, bt.balances[j.CreditAccount].Sub(j.Amount))
	}
	if !j.DebitAccount.IsExternal() {
		bt.set(j.DebitAccount, bt.balances[j.DebitAccount].Add(j.Amount))
	}
	return nil
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			return err
		}
	}

	return nil
}

// set stores a balance; zero entries are removed so snapshots stay canonical
func (bt *BalanceTracker) set(key AccountKey, v fpmath.Amount) {
	if v.IsZero() {
		txn.DeleteMap(bt.journal, bt.balances, key)
		return
	}
	txn.SetMap(bt.journal, bt.balances, key, v)
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Amount {
	return bt.balances[key]
}

// Issued returns how much of an asset has entered the book from outside
func (bt *BalanceTracker) Issued(asset string) fpmath.Amount {
	return bt.issued[asset]
}

// ComputeGlobalBalance sums all internal account balances per asset
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]fpmath.Amount {
	totals := make(map[string]fpmath.Amount)

	for key, balance := range bt.balances {
		totals[key.Asset] = totals[key.Asset].Add(balance)
	}

	return totals
}

// Keys returns all accounts with a non-zero balance, ordered by path
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].AccountPath() < keys[j].AccountPath() })
	return keys
}

// BookState is the serialisable form of the tracker (for snapshots)
type BookState struct {
	Balances map[string]fpmath.Amount `json:"balances"`
	Issued   map[string]fpmath.Amount `json:"issued"`
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() BookState {
	st := BookState{
		Balances: make(map[string]fpmath.Amount, len(bt.balances)),
		Issued:   make(map[string]fpmath.Amount, len(bt.issued)),
	}
	for k, v := range bt.balances {
		st.Balances[k.AccountPath()] = v
	}
	for k, v := range bt.issued {
		st.Issued[k] = v
	}
	return st
}

// Restore replaces all balances with a snapshot. Not journaled.
func (bt *BalanceTracker) Restore(st BookState) error {
	balances := make(map[AccountKey]fpmath.Amount, len(st.Balances))
	for path, v := range st.Balances {
		key, err := ParseAccountPath(path)
		if err != nil {
			return err
		}
		if !v.IsZero() {
			balances[key] = v
		}
	}
	issued := make(map[string]fpmath.Amount, len(st.Issued))
	for k, v := range st.Issued {
		issued[k] = v
	}
	bt.balances = balances
	bt.issued = issued
	return nil
}
