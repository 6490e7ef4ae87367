// Package pool implements the stability pool: pooled debt-token deposits that
// absorb liquidated debt in exchange for the liquidated collateral, tracked with
// the product/sum (P/S) scheme so no operation loops over depositors.
package pool

import (
	"TroveLedger/internal/access"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/txn"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ScaleFactor is applied to P whenever it would drop below it.
var ScaleFactor = fpmath.FromRaw(1_000_000_000)

var (
	ErrZeroAmount  = errors.New("pool: zero amount")
	ErrNoDeposit   = errors.New("pool: no deposit")
	ErrProductZero = errors.New("pool: product reached zero")
)

// Book is the token book the pool settles against.
type Book interface {
	ledger.Stablecoin
	ledger.AssetTransfer
}

type sumKey struct {
	Epoch uint64
	Scale uint64
	Asset string
}

type deposit struct {
	initial fpmath.Amount
	p       fpmath.Amount
	epoch   uint64
	scale   uint64
	s       map[string]fpmath.Amount
	stash   map[string]fpmath.Amount
}

func (d deposit) clone() deposit {
	c := d
	c.s = make(map[string]fpmath.Amount, len(d.s))
	for k, v := range d.s {
		c.s[k] = v
	}
	c.stash = make(map[string]fpmath.Amount, len(d.stash))
	for k, v := range d.stash {
		c.stash[k] = v
	}
	return c
}

func (d deposit) empty() bool {
	if !d.initial.IsZero() {
		return false
	}
	for _, v := range d.stash {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

type Pool struct {
	auth    access.Authorizer
	journal *txn.Journal
	emitter event.Emitter
	book    Book

	p             fpmath.Amount
	epoch         uint64
	scale         uint64
	totalDeposits fpmath.Amount

	sums          map[sumKey]fpmath.Amount
	debtLossError fpmath.Amount
	collError     map[string]fpmath.Amount
	collateral    map[string]fpmath.Amount
	assets        map[string]struct{}
	deposits      map[uuid.UUID]deposit
}

func New(auth access.Authorizer, journal *txn.Journal, emitter event.Emitter, book Book) *Pool {
	return &Pool{
		auth:       auth,
		journal:    journal,
		emitter:    emitter,
		book:       book,
		p:          fpmath.One(),
		sums:       make(map[sumKey]fpmath.Amount),
		collError:  make(map[string]fpmath.Amount),
		collateral: make(map[string]fpmath.Amount),
		assets:     make(map[string]struct{}),
		deposits:   make(map[uuid.UUID]deposit),
	}
}

// RegisterAsset makes asset's gains part of every deposit settlement.
func (sp *Pool) RegisterAsset(asset string) {
	if _, ok := sp.assets[asset]; ok {
		return
	}
	txn.SetMap(sp.journal, sp.assets, asset, struct{}{})
}

func (sp *Pool) sortedAssets() []string {
	out := make([]string, 0, len(sp.assets))
	for a := range sp.assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func poolDebtKey() ledger.AccountKey {
	return ledger.NewSystemAccountKey(ledger.SubTypeStabilityPool, ledger.DebtToken)
}

// ============================================================================
// Deposits
// ============================================================================

// ProvideToSP adds amount to the depositor's compounded deposit.
func (sp *Pool) ProvideToSP(ctx context.Context, depositor uuid.UUID, amount fpmath.Amount) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}

	d, ok := sp.deposits[depositor]
	if ok {
		d = d.clone()
	} else {
		d = deposit{s: map[string]fpmath.Amount{}, stash: map[string]fpmath.Amount{}}
	}
	compounded := sp.settle(&d)

	if err := sp.book.Transfer(ctx, ledger.NewUserAccountKey(depositor, ledger.DebtToken), poolDebtKey(), amount); err != nil {
		return fmt.Errorf("provide to pool: %w", err)
	}
	txn.Set(sp.journal, &sp.totalDeposits, sp.totalDeposits.Add(amount))

	sp.store(depositor, d, compounded.Add(amount))
	return nil
}

// WithdrawFromSP pays out min(amount, compounded). A zero amount only settles gains.
func (sp *Pool) WithdrawFromSP(ctx context.Context, depositor uuid.UUID, amount fpmath.Amount) (fpmath.Amount, error) {
	d, ok := sp.deposits[depositor]
	if !ok {
		return fpmath.Zero(), fmt.Errorf("%w: %s", ErrNoDeposit, depositor)
	}
	d = d.clone()
	compounded := sp.settle(&d)

	withdrawn := fpmath.Min(fpmath.Min(amount, compounded), sp.totalDeposits)
	if !withdrawn.IsZero() {
		if err := sp.book.Transfer(ctx, poolDebtKey(), ledger.NewUserAccountKey(depositor, ledger.DebtToken), withdrawn); err != nil {
			return fpmath.Zero(), fmt.Errorf("withdraw from pool: %w", err)
		}
		txn.Set(sp.journal, &sp.totalDeposits, sp.totalDeposits.Sub(withdrawn))
	}

	sp.store(depositor, d, compounded.Sub(withdrawn))
	return withdrawn, nil
}

// settle moves every pending gain into the stash and returns the compounded deposit.
func (sp *Pool) settle(d *deposit) fpmath.Amount {
	for _, asset := range sp.sortedAssets() {
		if gain := sp.pendingGain(*d, asset); !gain.IsZero() {
			d.stash[asset] = d.stash[asset].Add(gain)
		}
	}
	return sp.compounded(*d)
}

// store writes the deposit with a fresh snapshot; empty deposits are deleted.
func (sp *Pool) store(depositor uuid.UUID, d deposit, initial fpmath.Amount) {
	d.initial = initial
	d.p = sp.p
	d.epoch = sp.epoch
	d.scale = sp.scale
	for _, asset := range sp.sortedAssets() {
		d.s[asset] = sp.sums[sumKey{sp.epoch, sp.scale, asset}]
	}
	for asset, v := range d.stash {
		if v.IsZero() {
			delete(d.stash, asset)
		}
	}

	if d.empty() {
		txn.DeleteMap(sp.journal, sp.deposits, depositor)
	} else {
		txn.SetMap(sp.journal, sp.deposits, depositor, d)
	}

	sp.emitter.Emit(&event.DepositUpdated{
		Depositor: depositor,
		Deposit:   initial,
		P:         sp.p,
		Epoch:     sp.epoch,
		Scale:     sp.scale,
	})
}

func (sp *Pool) compounded(d deposit) fpmath.Amount {
	if d.initial.IsZero() || d.epoch < sp.epoch {
		return fpmath.Zero()
	}

	var c fpmath.Amount
	switch sp.scale - d.scale {
	case 0:
		c = fpmath.MulDiv(d.initial, sp.p, d.p)
	case 1:
		c = fpmath.MulDiv(d.initial, sp.p, d.p).Div(ScaleFactor)
	default:
		return fpmath.Zero()
	}

	// below one billionth of the initial value the remainder is rounding noise
	if c.Lt(d.initial.Div(ScaleFactor)) {
		return fpmath.Zero()
	}
	return c
}

// pendingGain reads S at the snapshot scale and the scale after it.
func (sp *Pool) pendingGain(d deposit, asset string) fpmath.Amount {
	if d.initial.IsZero() {
		return fpmath.Zero()
	}
	first := sp.sums[sumKey{d.epoch, d.scale, asset}].SubFloor(d.s[asset])
	second := sp.sums[sumKey{d.epoch, d.scale + 1, asset}].Div(ScaleFactor)

	return fpmath.MulDiv(d.initial, first.Add(second), d.p).Div(fpmath.One())
}

// ============================================================================
// Offset
// ============================================================================

// Offset absorbs up to debt with pooled deposits and takes the proportional
// share of coll. Returns what was absorbed and the collateral received.
func (sp *Pool) Offset(ctx context.Context, caller uuid.UUID, asset string, debt, coll fpmath.Amount) (fpmath.Amount, fpmath.Amount, error) {
	if err := access.Require(sp.auth, caller, access.RoleLedger); err != nil {
		return fpmath.Zero(), fpmath.Zero(), err
	}
	sp.RegisterAsset(asset)

	total := sp.totalDeposits
	if total.IsZero() || debt.IsZero() {
		return fpmath.Zero(), fpmath.Zero(), nil
	}

	absorbed := fpmath.Min(debt, total)
	collAdded := coll
	if absorbed.Lt(debt) {
		collAdded = fpmath.MulDiv(coll, absorbed, debt)
	}

	collGain, loss := sp.rewardsPerUnit(asset, collAdded, absorbed, total)
	if err := sp.updateSumAndProduct(asset, collGain, loss); err != nil {
		return fpmath.Zero(), fpmath.Zero(), err
	}

	txn.Set(sp.journal, &sp.totalDeposits, total.Sub(absorbed))
	if err := sp.book.Burn(ctx, poolDebtKey(), absorbed); err != nil {
		return fpmath.Zero(), fpmath.Zero(), fmt.Errorf("offset burn: %w", err)
	}
	if !collAdded.IsZero() {
		if err := sp.book.Move(ctx, asset, ledger.SubTypeActivePool, ledger.SubTypeStabilityPool, collAdded); err != nil {
			return fpmath.Zero(), fpmath.Zero(), fmt.Errorf("offset collateral: %w", err)
		}
		txn.SetMap(sp.journal, sp.collateral, asset, sp.collateral[asset].Add(collAdded))
	}

	sp.emitter.Emit(&event.Offset{
		Asset:           asset,
		DebtAbsorbed:    absorbed,
		CollateralAdded: collAdded,
		P:               sp.p,
		Epoch:           sp.epoch,
		Scale:           sp.scale,
	})
	return absorbed, collAdded, nil
}

// rewardsPerUnit computes the per-deposit-unit collateral gain and debt loss,
// carrying rounding error into the next offset. The loss is rounded up so
// compounded deposits never overstate the pool. Only a full drain may reach a
// loss of one; a partial offset is capped just below it so the epoch holds.
func (sp *Pool) rewardsPerUnit(asset string, coll, debt, total fpmath.Amount) (fpmath.Amount, fpmath.Amount) {
	one := fpmath.One()

	collNumerator := coll.Mul(one).Add(sp.collError[asset])
	collGain := collNumerator.Div(total)
	txn.SetMap(sp.journal, sp.collError, asset, collNumerator.Sub(collGain.Mul(total)))

	if debt.Eq(total) {
		txn.Set(sp.journal, &sp.debtLossError, fpmath.Zero())
		return collGain, one
	}

	lossNumerator := debt.Mul(one).SubFloor(sp.debtLossError)
	loss := lossNumerator.DivUp(total)
	if loss.Gte(one) {
		txn.Set(sp.journal, &sp.debtLossError, fpmath.Zero())
		return collGain, one.Sub(fpmath.FromRaw(1))
	}
	txn.Set(sp.journal, &sp.debtLossError, loss.Mul(total).Sub(lossNumerator))
	return collGain, loss
}

// updateSumAndProduct folds an offset into S and P. When P would fall below
// ScaleFactor it is multiplied up by ScaleFactor as many times as needed,
// advancing the scale once per multiplication.
func (sp *Pool) updateSumAndProduct(asset string, collGain, loss fpmath.Amount) error {
	one := fpmath.One()
	factor := one.Sub(loss)

	key := sumKey{sp.epoch, sp.scale, asset}
	txn.SetMap(sp.journal, sp.sums, key, sp.sums[key].Add(collGain.Mul(sp.p)))

	switch {
	case factor.IsZero():
		txn.Set(sp.journal, &sp.epoch, sp.epoch+1)
		txn.Set(sp.journal, &sp.scale, 0)
		txn.Set(sp.journal, &sp.p, one)
		sp.emitter.Emit(&event.PoolEpochUpdated{Epoch: sp.epoch})
		sp.emitter.Emit(&event.PoolScaleUpdated{Scale: sp.scale})

	case fpmath.MulDiv(sp.p, factor, one).Lt(ScaleFactor):
		num := sp.p.Mul(factor)
		scale := sp.scale
		for !num.IsZero() && num.Div(one).Lt(ScaleFactor) {
			num = num.Mul(ScaleFactor)
			scale++
		}
		txn.Set(sp.journal, &sp.p, num.Div(one))
		txn.Set(sp.journal, &sp.scale, scale)
		sp.emitter.Emit(&event.PoolScaleUpdated{Scale: sp.scale})

	default:
		txn.Set(sp.journal, &sp.p, fpmath.MulDiv(sp.p, factor, one))
	}

	if sp.p.IsZero() {
		return fmt.Errorf("%w: epoch %d, scale %d", ErrProductZero, sp.epoch, sp.scale)
	}
	return nil
}

// ============================================================================
// Gains
// ============================================================================

// ClaimCollateralGains pays the depositor's gain in asset and resets the baseline.
func (sp *Pool) ClaimCollateralGains(ctx context.Context, depositor uuid.UUID, asset string) (fpmath.Amount, error) {
	d, ok := sp.deposits[depositor]
	if !ok {
		return fpmath.Zero(), fmt.Errorf("%w: %s", ErrNoDeposit, depositor)
	}
	d = d.clone()
	compounded := sp.settle(&d)

	gain := fpmath.Min(d.stash[asset], sp.collateral[asset])
	d.stash[asset] = d.stash[asset].Sub(gain)

	if !gain.IsZero() {
		if err := sp.book.TransferOut(ctx, asset, ledger.SubTypeStabilityPool, depositor, gain); err != nil {
			return fpmath.Zero(), fmt.Errorf("claim %s: %w", asset, err)
		}
		txn.SetMap(sp.journal, sp.collateral, asset, sp.collateral[asset].Sub(gain))
		sp.emitter.Emit(&event.CollateralGainClaimed{Depositor: depositor, Asset: asset, Amount: gain})
	}

	sp.store(depositor, d, compounded)
	return gain, nil
}

// ClaimAllCollateralGains claims each distinct asset in order.
func (sp *Pool) ClaimAllCollateralGains(ctx context.Context, depositor uuid.UUID, assets []string) (map[string]fpmath.Amount, error) {
	out := make(map[string]fpmath.Amount, len(assets))
	for _, asset := range assets {
		if _, done := out[asset]; done {
			continue
		}
		gain, err := sp.ClaimCollateralGains(ctx, depositor, asset)
		if err != nil {
			return nil, err
		}
		out[asset] = gain
	}
	return out, nil
}

// ============================================================================
// Queries
// ============================================================================

func (sp *Pool) GetCompoundedDeposit(depositor uuid.UUID) fpmath.Amount {
	d, ok := sp.deposits[depositor]
	if !ok {
		return fpmath.Zero()
	}
	return sp.compounded(d)
}

// GetDepositorCollateralGain includes gains already stashed by earlier settlements.
func (sp *Pool) GetDepositorCollateralGain(depositor uuid.UUID, asset string) fpmath.Amount {
	d, ok := sp.deposits[depositor]
	if !ok {
		return fpmath.Zero()
	}
	return d.stash[asset].Add(sp.pendingGain(d, asset))
}

func (sp *Pool) HasDeposit(depositor uuid.UUID) bool {
	_, ok := sp.deposits[depositor]
	return ok
}

func (sp *Pool) TotalDeposits() fpmath.Amount { return sp.totalDeposits }
func (sp *Pool) P() fpmath.Amount             { return sp.p }
func (sp *Pool) Epoch() uint64                { return sp.epoch }
func (sp *Pool) Scale() uint64                { return sp.scale }
func (sp *Pool) DepositorCount() int          { return len(sp.deposits) }

// Collateral returns the liquidated collateral held for depositors.
func (sp *Pool) Collateral(asset string) fpmath.Amount {
	return sp.collateral[asset]
}
