// Package gateway validates and executes user-initiated trove lifecycle
// operations, then delegates the authoritative mutation to the trove ledger.
package gateway

import (
	"TroveLedger/internal/access"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/trove"
	"TroveLedger/internal/txn"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrLedgerAlreadySet            = errors.New("gateway: trove ledger already set")
	ErrNilLedger                   = errors.New("gateway: trove ledger is nil")
	ErrFeeExceedsMax               = errors.New("gateway: fee exceeds max fee percentage")
	ErrInvalidMaxFee               = errors.New("gateway: max fee percentage out of range")
	ErrInvalidBaseRate             = errors.New("gateway: base rate above 100%")
	ErrDebtBelowMinimum            = errors.New("gateway: debt below minimum")
	ErrInsufficientCollateralRatio = errors.New("gateway: insufficient collateral ratio")
	ErrTCRBelowCCR                 = errors.New("gateway: operation would bring TCR below CCR")
	ErrRecoveryMode                = errors.New("gateway: operation not permitted in recovery mode")
	ErrInsufficientDebtBalance     = errors.New("gateway: insufficient debt token balance")
	ErrZeroAdjustment              = errors.New("gateway: zero adjustment")
	ErrCollWithdrawalExceeds       = errors.New("gateway: collateral withdrawal exceeds trove collateral")
)

// Ledger is the trove ledger as seen by the gateway.
type Ledger interface {
	UpdateTrove(ctx context.Context, caller, borrower uuid.UUID, asset string, newDebt, newColl fpmath.Amount, isOpening bool) error
	CloseTrove(ctx context.Context, caller, borrower uuid.UUID, asset string) error
	ApplyPendingRewards(ctx context.Context, caller, borrower uuid.UUID, asset string) error
	GetTrove(borrower uuid.UUID, asset string) trove.Trove
	GetAssetTotals(asset string) trove.AssetTotals
	IsRegistered(asset string) bool
}

// Index is the ordered trove list as seen by the gateway.
type Index interface {
	Insert(asset string, id uuid.UUID, nicr fpmath.Amount, prevHint, nextHint uuid.UUID) error
	ReInsert(asset string, id uuid.UUID, nicr fpmath.Amount, prevHint, nextHint uuid.UUID) error
}

type Book interface {
	ledger.AssetTransfer
	ledger.Stablecoin
}

type userAsset struct {
	user  uuid.UUID
	asset string
}

type Gateway struct {
	auth    access.Authorizer
	journal *txn.Journal
	emitter event.Emitter
	prices  trove.PriceSource
	index   Index
	book    Book
	clock   clockwork.Clock
	ledger  Ledger

	userAssets map[userAsset]struct{}
	baseRates  map[string]baseRate
}

// New builds the gateway without its ledger; bind it with SetTroveLedger.
func New(auth access.Authorizer, journal *txn.Journal, emitter event.Emitter, prices trove.PriceSource, index Index, book Book, clock clockwork.Clock) *Gateway {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gateway{
		auth:       auth,
		journal:    journal,
		emitter:    emitter,
		prices:     prices,
		index:      index,
		book:       book,
		clock:      clock,
		userAssets: make(map[userAsset]struct{}),
		baseRates:  make(map[string]baseRate),
	}
}

// SetTroveLedger binds the ledger exactly once.
func (g *Gateway) SetTroveLedger(l Ledger) error {
	if l == nil {
		return ErrNilLedger
	}
	if g.ledger != nil {
		return ErrLedgerAlreadySet
	}
	g.ledger = l
	return nil
}

func (g *Gateway) requireLedger(asset string) error {
	if g.ledger == nil {
		return ErrNilLedger
	}
	if !g.ledger.IsRegistered(asset) {
		return fmt.Errorf("%w: %s", trove.ErrAssetNotRegistered, asset)
	}
	return nil
}

func tcr(totals trove.AssetTotals, price fpmath.Amount) fpmath.Amount {
	return trove.ComputeICR(totals.EntireColl(), totals.EntireDebt(), price)
}

func debtKey(user uuid.UUID) ledger.AccountKey {
	return ledger.NewUserAccountKey(user, ledger.DebtToken)
}

func systemDebtKey(sub ledger.AccountSubType) ledger.AccountKey {
	return ledger.NewSystemAccountKey(sub, ledger.DebtToken)
}

// checkInputs bounds caller amounts before any arithmetic on them.
func checkInputs(amounts ...fpmath.Amount) error {
	for _, a := range amounts {
		if err := fpmath.CheckInput("amount", a); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Open
// ============================================================================

func (g *Gateway) OpenTrove(ctx context.Context, caller uuid.UUID, asset string, maxFee, coll, debt fpmath.Amount, hintPrev, hintNext uuid.UUID) error {
	if err := checkInputs(maxFee, coll, debt); err != nil {
		return err
	}
	if err := g.requireLedger(asset); err != nil {
		return err
	}
	if g.ledger.GetTrove(caller, asset).Status == trove.StatusActive {
		return fmt.Errorf("%w: %s/%s", trove.ErrTroveAlreadyExists, caller, asset)
	}

	price, err := g.prices.GetValidPrice(ctx, asset)
	if err != nil {
		return err
	}
	totals := g.ledger.GetAssetTotals(asset)
	recovery := tcr(totals, price).Lt(trove.CCR)

	if err := validateMaxFee(maxFee, recovery); err != nil {
		return err
	}
	fee := fpmath.Zero()
	if !recovery {
		if fee, err = g.borrowingFee(ctx, asset, debt, maxFee); err != nil {
			return err
		}
	}

	composite := debt.Add(fee).Add(trove.GasCompensation)
	if composite.Lt(trove.MinNetDebt) {
		return fmt.Errorf("%w: composite debt %s < %s", ErrDebtBelowMinimum, composite, trove.MinNetDebt)
	}

	icr := trove.ComputeICR(coll, composite, price)
	if icr.Lt(trove.MCR) {
		return fmt.Errorf("%w: ICR %s < MCR %s", ErrInsufficientCollateralRatio, icr, trove.MCR)
	}
	if recovery {
		if icr.Lt(trove.CCR) {
			return fmt.Errorf("%w: ICR %s < CCR %s", ErrRecoveryMode, icr, trove.CCR)
		}
	} else {
		newTCR := trove.ComputeICR(totals.EntireColl().Add(coll), totals.EntireDebt().Add(composite), price)
		if newTCR.Lt(trove.CCR) {
			return fmt.Errorf("%w: new TCR %s", ErrTCRBelowCCR, newTCR)
		}
	}

	if err := g.book.TransferIn(ctx, asset, caller, ledger.SubTypeActivePool, coll); err != nil {
		return fmt.Errorf("pull collateral: %w", err)
	}
	if !debt.IsZero() {
		if err := g.book.Mint(ctx, debtKey(caller), debt); err != nil {
			return err
		}
	}
	if !fee.IsZero() {
		if err := g.book.Mint(ctx, systemDebtKey(ledger.SubTypeFeeSink), fee); err != nil {
			return err
		}
		g.emitter.Emit(&event.BorrowingFeePaid{Borrower: caller, Asset: asset, Fee: fee})
	}
	if err := g.book.Mint(ctx, systemDebtKey(ledger.SubTypeGasPool), trove.GasCompensation); err != nil {
		return err
	}

	if err := g.ledger.UpdateTrove(ctx, access.GatewayPrincipal, caller, asset, composite, coll, true); err != nil {
		return err
	}
	if err := g.index.Insert(asset, caller, trove.ComputeNICR(coll, composite), hintPrev, hintNext); err != nil {
		return err
	}
	txn.SetMap(g.journal, g.userAssets, userAsset{caller, asset}, struct{}{})
	return nil
}

// ============================================================================
// Close
// ============================================================================

func (g *Gateway) CloseTrove(ctx context.Context, caller uuid.UUID, asset string) error {
	if err := g.requireLedger(asset); err != nil {
		return err
	}
	if g.ledger.GetTrove(caller, asset).Status != trove.StatusActive {
		return fmt.Errorf("%w: %s/%s", trove.ErrTroveNotActive, caller, asset)
	}

	price, err := g.prices.GetValidPrice(ctx, asset)
	if err != nil {
		return err
	}
	if tcr(g.ledger.GetAssetTotals(asset), price).Lt(trove.CCR) {
		return fmt.Errorf("%w: close", ErrRecoveryMode)
	}

	if err := g.ledger.ApplyPendingRewards(ctx, access.GatewayPrincipal, caller, asset); err != nil {
		return err
	}
	t := g.ledger.GetTrove(caller, asset)
	totals := g.ledger.GetAssetTotals(asset)

	newTCR := trove.ComputeICR(totals.EntireColl().Sub(t.Coll), totals.EntireDebt().Sub(t.Debt), price)
	if newTCR.Lt(trove.CCR) {
		return fmt.Errorf("%w: new TCR %s", ErrTCRBelowCCR, newTCR)
	}

	owed := t.Debt.Sub(trove.GasCompensation)
	if have := g.book.BalanceOf(debtKey(caller)); have.Lt(owed) {
		return fmt.Errorf("%w: have %s, owe %s", ErrInsufficientDebtBalance, have, owed)
	}

	if !owed.IsZero() {
		if err := g.book.Burn(ctx, debtKey(caller), owed); err != nil {
			return err
		}
	}
	if err := g.book.Burn(ctx, systemDebtKey(ledger.SubTypeGasPool), trove.GasCompensation); err != nil {
		return err
	}
	if err := g.ledger.CloseTrove(ctx, access.GatewayPrincipal, caller, asset); err != nil {
		return err
	}
	if err := g.book.TransferOut(ctx, asset, ledger.SubTypeActivePool, caller, t.Coll); err != nil {
		return fmt.Errorf("return collateral: %w", err)
	}
	txn.DeleteMap(g.journal, g.userAssets, userAsset{caller, asset})
	return nil
}

// ============================================================================
// Adjust
// ============================================================================

// Adjustment describes one AdjustTrove request.
type Adjustment struct {
	MaxFee         fpmath.Amount
	CollDelta      fpmath.Amount
	DebtDelta      fpmath.Amount
	IsCollIncrease bool
	IsDebtIncrease bool
	HintPrev       uuid.UUID
	HintNext       uuid.UUID
}

func (g *Gateway) AdjustTrove(ctx context.Context, caller uuid.UUID, asset string, adj Adjustment) error {
	if adj.CollDelta.IsZero() && adj.DebtDelta.IsZero() {
		return ErrZeroAdjustment
	}
	if err := checkInputs(adj.MaxFee, adj.CollDelta, adj.DebtDelta); err != nil {
		return err
	}
	if err := g.requireLedger(asset); err != nil {
		return err
	}
	if g.ledger.GetTrove(caller, asset).Status != trove.StatusActive {
		return fmt.Errorf("%w: %s/%s", trove.ErrTroveNotActive, caller, asset)
	}

	price, err := g.prices.GetValidPrice(ctx, asset)
	if err != nil {
		return err
	}
	recovery := tcr(g.ledger.GetAssetTotals(asset), price).Lt(trove.CCR)

	borrowing := adj.IsDebtIncrease && !adj.DebtDelta.IsZero()
	withdrawing := !adj.IsCollIncrease && !adj.CollDelta.IsZero()
	if borrowing {
		if err := validateMaxFee(adj.MaxFee, recovery); err != nil {
			return err
		}
	}
	if recovery && withdrawing {
		return fmt.Errorf("%w: collateral withdrawal", ErrRecoveryMode)
	}

	if err := g.ledger.ApplyPendingRewards(ctx, access.GatewayPrincipal, caller, asset); err != nil {
		return err
	}
	t := g.ledger.GetTrove(caller, asset)
	totals := g.ledger.GetAssetTotals(asset)

	fee := fpmath.Zero()
	if borrowing && !recovery {
		if fee, err = g.borrowingFee(ctx, asset, adj.DebtDelta, adj.MaxFee); err != nil {
			return err
		}
	}

	newColl := t.Coll
	if adj.IsCollIncrease {
		newColl = newColl.Add(adj.CollDelta)
	} else {
		if adj.CollDelta.Gt(t.Coll) {
			return fmt.Errorf("%w: %s > %s", ErrCollWithdrawalExceeds, adj.CollDelta, t.Coll)
		}
		newColl = newColl.Sub(adj.CollDelta)
	}

	newDebt := t.Debt
	if adj.IsDebtIncrease {
		newDebt = newDebt.Add(adj.DebtDelta).Add(fee)
	} else {
		if adj.DebtDelta.Gt(t.Debt) || t.Debt.Sub(adj.DebtDelta).Lt(trove.MinNetDebt) {
			return fmt.Errorf("%w: repayment of %s from %s", ErrDebtBelowMinimum, adj.DebtDelta, t.Debt)
		}
		newDebt = newDebt.Sub(adj.DebtDelta)
		if have := g.book.BalanceOf(debtKey(caller)); have.Lt(adj.DebtDelta) {
			return fmt.Errorf("%w: have %s, repay %s", ErrInsufficientDebtBalance, have, adj.DebtDelta)
		}
	}

	oldICR := trove.ComputeICR(t.Coll, t.Debt, price)
	newICR := trove.ComputeICR(newColl, newDebt, price)
	if newColl.IsZero() || newICR.Lt(trove.MCR) {
		return fmt.Errorf("%w: ICR %s < MCR %s", ErrInsufficientCollateralRatio, newICR, trove.MCR)
	}
	if recovery {
		if borrowing && newICR.Lt(trove.CCR) {
			return fmt.Errorf("%w: ICR %s < CCR after borrowing", ErrRecoveryMode, newICR)
		}
		if newICR.Lt(oldICR) {
			return fmt.Errorf("%w: ICR would decrease", ErrRecoveryMode)
		}
	} else {
		entireColl := totals.EntireColl().Sub(t.Coll).Add(newColl)
		entireDebt := totals.EntireDebt().Sub(t.Debt).Add(newDebt)
		if newTCR := trove.ComputeICR(entireColl, entireDebt, price); newTCR.Lt(trove.CCR) {
			return fmt.Errorf("%w: new TCR %s", ErrTCRBelowCCR, newTCR)
		}
	}

	if !adj.CollDelta.IsZero() {
		if adj.IsCollIncrease {
			err = g.book.TransferIn(ctx, asset, caller, ledger.SubTypeActivePool, adj.CollDelta)
		} else {
			err = g.book.TransferOut(ctx, asset, ledger.SubTypeActivePool, caller, adj.CollDelta)
		}
		if err != nil {
			return fmt.Errorf("move collateral: %w", err)
		}
	}
	if !adj.DebtDelta.IsZero() {
		if adj.IsDebtIncrease {
			err = g.book.Mint(ctx, debtKey(caller), adj.DebtDelta)
		} else {
			err = g.book.Burn(ctx, debtKey(caller), adj.DebtDelta)
		}
		if err != nil {
			return err
		}
	}
	if !fee.IsZero() {
		if err := g.book.Mint(ctx, systemDebtKey(ledger.SubTypeFeeSink), fee); err != nil {
			return err
		}
		g.emitter.Emit(&event.BorrowingFeePaid{Borrower: caller, Asset: asset, Fee: fee})
	}

	if err := g.ledger.UpdateTrove(ctx, access.GatewayPrincipal, caller, asset, newDebt, newColl, false); err != nil {
		return err
	}
	return g.index.ReInsert(asset, caller, trove.ComputeNICR(newColl, newDebt), adj.HintPrev, adj.HintNext)
}

// ============================================================================
// Enumeration
// ============================================================================

// TroveClosed forgets the (owner, asset) pair once the ledger closes the trove.
func (g *Gateway) TroveClosed(owner uuid.UUID, asset string) {
	txn.DeleteMap(g.journal, g.userAssets, userAsset{owner, asset})
}

// GetUserAssets lists the assets in which user has an active trove.
func (g *Gateway) GetUserAssets(user uuid.UUID) []string {
	var out []string
	for ua := range g.userAssets {
		if ua.user == user && g.ledger.GetTrove(user, ua.asset).Status == trove.StatusActive {
			out = append(out, ua.asset)
		}
	}
	sort.Strings(out)
	return out
}
