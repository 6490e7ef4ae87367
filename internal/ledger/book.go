package ledger

import (
	"TroveLedger/internal/call"
	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/txn"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrZeroAmount = errors.New("ledger: zero amount")

// AssetTransfer moves collateral between wallets and system accounts.
type AssetTransfer interface {
	TransferIn(ctx context.Context, asset string, from uuid.UUID, to AccountSubType, amount fpmath.Amount) error
	TransferOut(ctx context.Context, asset string, from AccountSubType, to uuid.UUID, amount fpmath.Amount) error
	Move(ctx context.Context, asset string, from, to AccountSubType, amount fpmath.Amount) error
	BalanceOf(key AccountKey) fpmath.Amount
}

// Stablecoin mints, burns and moves the debt token.
type Stablecoin interface {
	Mint(ctx context.Context, to AccountKey, amount fpmath.Amount) error
	Burn(ctx context.Context, from AccountKey, amount fpmath.Amount) error
	Transfer(ctx context.Context, from, to AccountKey, amount fpmath.Amount) error
	BalanceOf(key AccountKey) fpmath.Amount
}

// TransferHook observes every posted journal before the movement returns.
// A hook error aborts the movement and, through the caller, the whole call.
type TransferHook func(ctx context.Context, j Journal) error

// Book is the in-process token book backing both interfaces. Every posting is
// applied to the tracker immediately and queued for the call's journal batch.
type Book struct {
	tracker   *BalanceTracker
	validator *InvariantValidator
	journal   *txn.Journal
	emitter   event.Emitter
	hook      TransferHook
	pending   []Journal
}

func NewBook(journal *txn.Journal, emitter event.Emitter) *Book {
	tracker := NewBalanceTracker(journal)
	return &Book{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		journal:   journal,
		emitter:   emitter,
	}
}

// SetTransferHook installs a hook invoked after each posting. nil removes it.
func (b *Book) SetTransferHook(h TransferHook) {
	b.hook = h
}

func (b *Book) Tracker() *BalanceTracker {
	return b.tracker
}

func (b *Book) Validator() *InvariantValidator {
	return b.validator
}

// post records one movement of amount from credit to debit.
func (b *Book) post(ctx context.Context, from, to AccountKey, amount fpmath.Amount) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}

	var batchID uuid.UUID
	var ref string
	var ts int64
	if scope := call.From(ctx); scope != nil {
		batchID = scope.ID
		ref = scope.ID.String()
		ts = scope.Time.UnixMicro()
	}

	j := Journal{
		JournalID:     uuid.NewSHA1(batchID, []byte(fmt.Sprintf("journal:%d", len(b.pending)))),
		BatchID:       batchID,
		EventRef:      ref,
		DebitAccount:  to,
		CreditAccount: from,
		Asset:         from.Asset,
		Amount:        amount,
		JournalType:   classify(from, to),
		Timestamp:     ts,
	}

	if err := b.tracker.ApplyJournal(j); err != nil {
		return err
	}

	n := len(b.pending)
	b.pending = append(b.pending, j)
	b.journal.Record(func() {
		b.pending = b.pending[:n]
	})

	if b.hook != nil {
		if err := b.hook(ctx, j); err != nil {
			return fmt.Errorf("transfer hook: %w", err)
		}
	}
	return nil
}

// === Collateral ===

func (b *Book) TransferIn(ctx context.Context, asset string, from uuid.UUID, to AccountSubType, amount fpmath.Amount) error {
	return b.post(ctx, NewUserAccountKey(from, asset), NewSystemAccountKey(to, asset), amount)
}

func (b *Book) TransferOut(ctx context.Context, asset string, from AccountSubType, to uuid.UUID, amount fpmath.Amount) error {
	return b.post(ctx, NewSystemAccountKey(from, asset), NewUserAccountKey(to, asset), amount)
}

func (b *Book) Move(ctx context.Context, asset string, from, to AccountSubType, amount fpmath.Amount) error {
	return b.post(ctx, NewSystemAccountKey(from, asset), NewSystemAccountKey(to, asset), amount)
}

// === Debt token ===

func (b *Book) Mint(ctx context.Context, to AccountKey, amount fpmath.Amount) error {
	return b.post(ctx, NewExternalAccountKey(SubTypeExternalMint, DebtToken), to, amount)
}

func (b *Book) Burn(ctx context.Context, from AccountKey, amount fpmath.Amount) error {
	return b.post(ctx, from, NewExternalAccountKey(SubTypeExternalMint, DebtToken), amount)
}

func (b *Book) Transfer(ctx context.Context, from, to AccountKey, amount fpmath.Amount) error {
	if from.Asset != to.Asset {
		return fmt.Errorf("transfer %s -> %s crosses assets", from.AccountPath(), to.AccountPath())
	}
	return b.post(ctx, from, to, amount)
}

func (b *Book) BalanceOf(key AccountKey) fpmath.Amount {
	return b.tracker.GetBalance(key)
}

// === Wallet boundary ===

// Fund credits a wallet from outside the book (bridge deposit for collateral,
// external supply for the debt token).
func (b *Book) Fund(ctx context.Context, user uuid.UUID, asset string, amount fpmath.Amount) error {
	if err := b.post(ctx, b.boundary(asset), NewUserAccountKey(user, asset), amount); err != nil {
		return err
	}
	b.emitter.Emit(&event.WalletFunded{User: user, Asset: asset, Amount: amount})
	return nil
}

// Withdraw debits a wallet to outside the book.
func (b *Book) Withdraw(ctx context.Context, user uuid.UUID, asset string, amount fpmath.Amount) error {
	if err := b.post(ctx, NewUserAccountKey(user, asset), b.boundary(asset), amount); err != nil {
		return err
	}
	b.emitter.Emit(&event.WalletWithdrawn{User: user, Asset: asset, Amount: amount})
	return nil
}

func (b *Book) boundary(asset string) AccountKey {
	if asset == DebtToken {
		return NewExternalAccountKey(SubTypeExternalMint, asset)
	}
	return NewExternalAccountKey(SubTypeExternalBridge, asset)
}

// === Batching ===

// DrainBatch returns the journals posted during the current call as one batch
// and clears the queue. Returns nil when nothing was posted.
func (b *Book) DrainBatch(sequence int64) *Batch {
	if len(b.pending) == 0 {
		return nil
	}
	batch := &Batch{
		BatchID:   b.pending[0].BatchID,
		EventRef:  b.pending[0].EventRef,
		Sequence:  sequence,
		Timestamp: b.pending[0].Timestamp,
		Journals:  b.pending,
	}
	b.pending = nil
	return batch
}

// DiscardPending drops queued journals (after a rollback has already undone them).
func (b *Book) DiscardPending() {
	b.pending = nil
}

// Touched returns the distinct accounts referenced by the queued journals.
func (b *Book) Touched() []AccountKey {
	seen := make(map[AccountKey]struct{})
	var out []AccountKey
	for _, j := range b.pending {
		for _, k := range []AccountKey{j.CreditAccount, j.DebitAccount} {
			if k.IsExternal() {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
