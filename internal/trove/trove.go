// Package trove is the single source of truth for every trove's debt,
// collateral and stake. It owns liquidation and the redistribution accumulator.
package trove

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

var (
	ErrTroveAlreadyExists = errors.New("trove: already exists")
	ErrTroveNotActive     = errors.New("trove: not active")
	ErrPendingRewards     = errors.New("trove: pending rewards not applied")
	ErrNothingToLiquidate = errors.New("trove: nothing to liquidate")
	ErrEmptyTrove         = errors.New("trove: debt and collateral must be positive")
	ErrInvalidIterations  = errors.New("trove: iteration cap must be positive")
	ErrAssetNotRegistered = errors.New("trove: asset not registered")
)

// Status of a trove. The zero value is NonExistent.
type Status uint8

const (
	StatusNonExistent Status = iota
	StatusActive
	StatusClosedByOwner
	StatusClosedByLiquidation
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosedByOwner:
		return "closed_by_owner"
	case StatusClosedByLiquidation:
		return "closed_by_liquidation"
	default:
		return "nonexistent"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = StatusActive
	case "closed_by_owner":
		*s = StatusClosedByOwner
	case "closed_by_liquidation":
		*s = StatusClosedByLiquidation
	case "nonexistent", "":
		*s = StatusNonExistent
	default:
		return fmt.Errorf("unknown trove status %q", b)
	}
	return nil
}

type Trove struct {
	Owner         uuid.UUID     `json:"owner"`
	Asset         string        `json:"asset"`
	Status        Status        `json:"status"`
	Debt          fpmath.Amount `json:"debt"`
	Coll          fpmath.Amount `json:"coll"`
	Stake         fpmath.Amount `json:"stake"`
	LCollSnapshot fpmath.Amount `json:"l_coll_snapshot"`
	LDebtSnapshot fpmath.Amount `json:"l_debt_snapshot"`
}

// AssetTotals aggregates every trove of one collateral asset.
type AssetTotals struct {
	TotalStakes             fpmath.Amount `json:"total_stakes"`
	TotalStakesSnapshot     fpmath.Amount `json:"total_stakes_snapshot"`
	TotalCollateralSnapshot fpmath.Amount `json:"total_collateral_snapshot"`

	LColl      fpmath.Amount `json:"l_coll"`
	LDebt      fpmath.Amount `json:"l_debt"`
	LCollError fpmath.Amount `json:"l_coll_error"`
	LDebtError fpmath.Amount `json:"l_debt_error"`

	ActiveColl      fpmath.Amount `json:"active_coll"`
	ActiveDebt      fpmath.Amount `json:"active_debt"`
	DefaultColl     fpmath.Amount `json:"default_coll"`
	DefaultDebt     fpmath.Amount `json:"default_debt"`
	UnallocatedColl fpmath.Amount `json:"unallocated_coll"`
	UnallocatedDebt fpmath.Amount `json:"unallocated_debt"`

	TroveCount int `json:"trove_count"`
}

// EntireColl is active plus not-yet-applied redistributed collateral.
func (a AssetTotals) EntireColl() fpmath.Amount {
	return a.ActiveColl.Add(a.DefaultColl)
}

func (a AssetTotals) EntireDebt() fpmath.Amount {
	return a.ActiveDebt.Add(a.DefaultDebt)
}

// PriceSource serves strict, validated prices.
type PriceSource interface {
	GetValidPrice(ctx context.Context, asset string) (fpmath.Amount, error)
}

// Offsetter is the stability pool as seen by liquidation.
type Offsetter interface {
	Offset(ctx context.Context, caller uuid.UUID, asset string, debt, coll fpmath.Amount) (fpmath.Amount, fpmath.Amount, error)
}

// Index is the ordered trove list as seen by the ledger.
type Index interface {
	Contains(asset string, id uuid.UUID) bool
	Remove(asset string, id uuid.UUID) error
	Last(asset string) uuid.UUID
	Prev(asset string, id uuid.UUID) uuid.UUID
}

type Book interface {
	ledger.AssetTransfer
	ledger.Stablecoin
}

// CloseObserver is told when a trove leaves the active set, whether by the
// owner closing it or by liquidation. Calls happen inside the open journal.
type CloseObserver interface {
	TroveClosed(owner uuid.UUID, asset string)
}

type key struct {
	owner uuid.UUID
	asset string
}

type Ledger struct {
	auth    access.Authorizer
	journal *txn.Journal
	emitter event.Emitter
	prices  PriceSource
	index   Index
	pool    Offsetter
	book    Book
	closed  CloseObserver

	troves map[key]Trove
	totals map[string]AssetTotals
}

func New(auth access.Authorizer, journal *txn.Journal, emitter event.Emitter, prices PriceSource, index Index, pool Offsetter, book Book) *Ledger {
	return &Ledger{
		auth:    auth,
		journal: journal,
		emitter: emitter,
		prices:  prices,
		index:   index,
		pool:    pool,
		book:    book,
		troves:  make(map[key]Trove),
		totals:  make(map[string]AssetTotals),
	}
}

// SetCloseObserver installs o to hear about every closed trove.
func (l *Ledger) SetCloseObserver(o CloseObserver) {
	l.closed = o
}

// RegisterAsset enables troves for asset.
func (l *Ledger) RegisterAsset(asset string) {
	if _, ok := l.totals[asset]; ok {
		return
	}
	txn.SetMap(l.journal, l.totals, asset, AssetTotals{})
}

func (l *Ledger) IsRegistered(asset string) bool {
	_, ok := l.totals[asset]
	return ok
}

func (l *Ledger) assetTotals(asset string) (AssetTotals, error) {
	a, ok := l.totals[asset]
	if !ok {
		return AssetTotals{}, fmt.Errorf("%w: %s", ErrAssetNotRegistered, asset)
	}
	return a, nil
}

// ============================================================================
// Gateway-driven mutations
// ============================================================================

// UpdateTrove writes a trove's new debt and collateral and recomputes its stake.
// It does not check collateral ratios.
func (l *Ledger) UpdateTrove(ctx context.Context, caller, borrower uuid.UUID, asset string, newDebt, newColl fpmath.Amount, isOpening bool) error {
	if err := access.Require(l.auth, caller, access.RolePositionGateway); err != nil {
		return err
	}
	totals, err := l.assetTotals(asset)
	if err != nil {
		return err
	}
	if newDebt.IsZero() || newColl.IsZero() {
		return ErrEmptyTrove
	}

	k := key{borrower, asset}
	t := l.troves[k]
	op := event.OpAdjustTrove
	if isOpening {
		if t.Status == StatusActive {
			return fmt.Errorf("%w: %s/%s", ErrTroveAlreadyExists, borrower, asset)
		}
		t = Trove{Owner: borrower, Asset: asset, Status: StatusActive}
		totals.TroveCount++
		op = event.OpOpenTrove
	} else {
		if t.Status != StatusActive {
			return fmt.Errorf("%w: %s/%s", ErrTroveNotActive, borrower, asset)
		}
		if l.hasPendingRewards(t, totals) {
			return fmt.Errorf("%w: %s/%s", ErrPendingRewards, borrower, asset)
		}
	}

	totals.ActiveColl = totals.ActiveColl.Sub(t.Coll).Add(newColl)
	totals.ActiveDebt = totals.ActiveDebt.Sub(t.Debt).Add(newDebt)

	newStake := computeStake(newColl, totals)
	totals.TotalStakes = totals.TotalStakes.Sub(t.Stake).Add(newStake)

	t.Debt = newDebt
	t.Coll = newColl
	t.Stake = newStake
	t.LCollSnapshot = totals.LColl
	t.LDebtSnapshot = totals.LDebt

	txn.SetMap(l.journal, l.troves, k, t)
	txn.SetMap(l.journal, l.totals, asset, totals)

	l.emitTroveUpdated(t, op)
	return nil
}

// computeStake scales coll by the stake/collateral ratio after the last liquidation.
func computeStake(coll fpmath.Amount, totals AssetTotals) fpmath.Amount {
	if totals.TotalCollateralSnapshot.IsZero() {
		return coll
	}
	return fpmath.MulDiv(coll, totals.TotalStakesSnapshot, totals.TotalCollateralSnapshot)
}

// CloseTrove zeroes an owner-closed trove. Pending rewards must have been applied.
func (l *Ledger) CloseTrove(ctx context.Context, caller, borrower uuid.UUID, asset string) error {
	if err := access.Require(l.auth, caller, access.RolePositionGateway); err != nil {
		return err
	}
	totals, err := l.assetTotals(asset)
	if err != nil {
		return err
	}
	k := key{borrower, asset}
	t := l.troves[k]
	if t.Status != StatusActive {
		return fmt.Errorf("%w: %s/%s", ErrTroveNotActive, borrower, asset)
	}
	if l.hasPendingRewards(t, totals) {
		return fmt.Errorf("%w: %s/%s", ErrPendingRewards, borrower, asset)
	}

	totals.ActiveColl = totals.ActiveColl.Sub(t.Coll)
	totals.ActiveDebt = totals.ActiveDebt.Sub(t.Debt)
	l.closeTrove(k, t, totals, StatusClosedByOwner)

	l.emitTroveUpdated(l.troves[k], event.OpCloseTrove)
	return nil
}

// removeStake drops the trove's stake from the total.
func removeStake(t *Trove, totals *AssetTotals) {
	totals.TotalStakes = totals.TotalStakes.Sub(t.Stake)
	t.Stake = fpmath.Zero()
}

// closeTrove zeroes the entry, unlinks it from the index and writes the totals.
func (l *Ledger) closeTrove(k key, t Trove, totals AssetTotals, status Status) {
	removeStake(&t, &totals)
	t.Debt = fpmath.Zero()
	t.Coll = fpmath.Zero()
	t.LCollSnapshot = fpmath.Zero()
	t.LDebtSnapshot = fpmath.Zero()
	t.Status = status
	totals.TroveCount--

	if l.index.Contains(k.asset, k.owner) {
		if err := l.index.Remove(k.asset, k.owner); err != nil {
			panic(fmt.Sprintf("FATAL: sorted index out of sync for %s/%s: %v", k.owner, k.asset, err))
		}
	}

	txn.SetMap(l.journal, l.troves, k, t)
	txn.SetMap(l.journal, l.totals, k.asset, totals)
	if l.closed != nil {
		l.closed.TroveClosed(k.owner, k.asset)
	}
}

// ============================================================================
// Pending rewards
// ============================================================================

func (l *Ledger) hasPendingRewards(t Trove, totals AssetTotals) bool {
	if t.Status != StatusActive {
		return false
	}
	return t.LCollSnapshot.Lt(totals.LColl) || t.LDebtSnapshot.Lt(totals.LDebt)
}

func pendingRewards(t Trove, totals AssetTotals) (fpmath.Amount, fpmath.Amount) {
	if t.Status != StatusActive || t.Stake.IsZero() {
		return fpmath.Zero(), fpmath.Zero()
	}
	one := fpmath.One()
	debt := fpmath.MulDiv(t.Stake, totals.LDebt.Sub(t.LDebtSnapshot), one)
	coll := fpmath.MulDiv(t.Stake, totals.LColl.Sub(t.LCollSnapshot), one)
	return debt, coll
}

// ApplyPendingRewards moves the trove's redistribution share from the default pool into it.
func (l *Ledger) ApplyPendingRewards(ctx context.Context, caller, borrower uuid.UUID, asset string) error {
	if err := access.Require(l.auth, caller, access.RolePositionGateway); err != nil {
		return err
	}
	if _, err := l.assetTotals(asset); err != nil {
		return err
	}
	k := key{borrower, asset}
	if l.troves[k].Status != StatusActive {
		return fmt.Errorf("%w: %s/%s", ErrTroveNotActive, borrower, asset)
	}
	return l.applyPendingRewards(ctx, k)
}

func (l *Ledger) applyPendingRewards(ctx context.Context, k key) error {
	t := l.troves[k]
	totals := l.totals[k.asset]
	if !l.hasPendingRewards(t, totals) {
		return nil
	}

	debt, coll := pendingRewards(t, totals)
	debt = fpmath.Min(debt, totals.DefaultDebt)
	coll = fpmath.Min(coll, totals.DefaultColl)

	t.Debt = t.Debt.Add(debt)
	t.Coll = t.Coll.Add(coll)
	t.LCollSnapshot = totals.LColl
	t.LDebtSnapshot = totals.LDebt

	totals.DefaultDebt = totals.DefaultDebt.Sub(debt)
	totals.DefaultColl = totals.DefaultColl.Sub(coll)
	totals.ActiveDebt = totals.ActiveDebt.Add(debt)
	totals.ActiveColl = totals.ActiveColl.Add(coll)

	if !coll.IsZero() {
		if err := l.book.Move(ctx, k.asset, ledger.SubTypeDefaultPool, ledger.SubTypeActivePool, coll); err != nil {
			return fmt.Errorf("apply rewards: %w", err)
		}
	}

	txn.SetMap(l.journal, l.troves, k, t)
	txn.SetMap(l.journal, l.totals, k.asset, totals)

	l.emitTroveUpdated(t, event.OpApplyPendingRewards)
	return nil
}

func (l *Ledger) emitTroveUpdated(t Trove, op event.TroveOperation) {
	l.emitter.Emit(&event.TroveUpdated{
		Borrower:  t.Owner,
		Asset:     t.Asset,
		Debt:      t.Debt,
		Coll:      t.Coll,
		Stake:     t.Stake,
		Operation: op,
	})
}

// ============================================================================
// Queries
// ============================================================================

// GetTrove returns the stored trove; a never-opened trove has StatusNonExistent.
func (l *Ledger) GetTrove(borrower uuid.UUID, asset string) Trove {
	t, ok := l.troves[key{borrower, asset}]
	if !ok {
		return Trove{Owner: borrower, Asset: asset}
	}
	return t
}

func (l *Ledger) Status(borrower uuid.UUID, asset string) Status {
	return l.troves[key{borrower, asset}].Status
}

// GetPendingRewards returns the unapplied redistribution share (debt, coll).
func (l *Ledger) GetPendingRewards(borrower uuid.UUID, asset string) (fpmath.Amount, fpmath.Amount) {
	return pendingRewards(l.troves[key{borrower, asset}], l.totals[asset])
}

func (l *Ledger) HasPendingRewards(borrower uuid.UUID, asset string) bool {
	return l.hasPendingRewards(l.troves[key{borrower, asset}], l.totals[asset])
}

// GetEntireDebtAndColl includes pending rewards.
func (l *Ledger) GetEntireDebtAndColl(borrower uuid.UUID, asset string) (debt, coll, pendingDebt, pendingColl fpmath.Amount) {
	t := l.troves[key{borrower, asset}]
	pendingDebt, pendingColl = pendingRewards(t, l.totals[asset])
	return t.Debt.Add(pendingDebt), t.Coll.Add(pendingColl), pendingDebt, pendingColl
}

func (l *Ledger) GetAssetTotals(asset string) AssetTotals {
	return l.totals[asset]
}

func (l *Ledger) TroveCount(asset string) int {
	return l.totals[asset].TroveCount
}

func (l *Ledger) Assets() []string {
	out := make([]string, 0, len(l.totals))
	for a := range l.totals {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// GetCurrentICR values the entire debt and collateral at price.
func (l *Ledger) GetCurrentICR(borrower uuid.UUID, asset string, price fpmath.Amount) fpmath.Amount {
	debt, coll, _, _ := l.GetEntireDebtAndColl(borrower, asset)
	return ComputeICR(coll, debt, price)
}

// GetTCR is the total collateral ratio of asset at the current valid price.
func (l *Ledger) GetTCR(ctx context.Context, asset string) (fpmath.Amount, error) {
	price, err := l.prices.GetValidPrice(ctx, asset)
	if err != nil {
		return fpmath.Zero(), err
	}
	return l.TCRAt(asset, price), nil
}

func (l *Ledger) TCRAt(asset string, price fpmath.Amount) fpmath.Amount {
	totals := l.totals[asset]
	return ComputeICR(totals.EntireColl(), totals.EntireDebt(), price)
}

// CheckRecoveryMode reports whether the asset's TCR is below CCR.
func (l *Ledger) CheckRecoveryMode(ctx context.Context, asset string) (bool, error) {
	tcr, err := l.GetTCR(ctx, asset)
	if err != nil {
		return false, err
	}
	return tcr.Lt(CCR), nil
}
