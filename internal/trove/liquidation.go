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

	"github.com/google/uuid"
)

// Summary aggregates one liquidation call.
type Summary struct {
	Liquidated      int
	Skipped         int
	Debt            fpmath.Amount
	Coll            fpmath.Amount
	DebtGasComp     fpmath.Amount
	CollGasComp     fpmath.Amount
	DebtOffset      fpmath.Amount
	CollOffset      fpmath.Amount
	DebtRedistrib   fpmath.Amount
	CollRedistrib   fpmath.Amount
	DebtUnallocated fpmath.Amount
	CollUnallocated fpmath.Amount
}

func (s *Summary) add(o Summary) {
	s.Liquidated += o.Liquidated
	s.Debt = s.Debt.Add(o.Debt)
	s.Coll = s.Coll.Add(o.Coll)
	s.DebtGasComp = s.DebtGasComp.Add(o.DebtGasComp)
	s.CollGasComp = s.CollGasComp.Add(o.CollGasComp)
	s.DebtOffset = s.DebtOffset.Add(o.DebtOffset)
	s.CollOffset = s.CollOffset.Add(o.CollOffset)
	s.DebtRedistrib = s.DebtRedistrib.Add(o.DebtRedistrib)
	s.CollRedistrib = s.CollRedistrib.Add(o.CollRedistrib)
	s.DebtUnallocated = s.DebtUnallocated.Add(o.DebtUnallocated)
	s.CollUnallocated = s.CollUnallocated.Add(o.CollUnallocated)
}

// Liquidate closes one under-collateralised trove. Permissionless.
func (l *Ledger) Liquidate(ctx context.Context, liquidator, borrower uuid.UUID, asset string) (Summary, error) {
	if _, err := l.assetTotals(asset); err != nil {
		return Summary{}, err
	}
	k := key{borrower, asset}
	if l.troves[k].Status != StatusActive {
		return Summary{}, fmt.Errorf("%w: %s/%s", ErrTroveNotActive, borrower, asset)
	}

	price, err := l.prices.GetValidPrice(ctx, asset)
	if err != nil {
		return Summary{}, err
	}

	s, err := l.liquidateOne(ctx, liquidator, k, price)
	if err != nil {
		return Summary{}, err
	}
	l.emitSummary(asset, liquidator, s)
	return s, nil
}

// BatchLiquidateTroves liquidates the listed troves, skipping the healthy or inactive ones.
func (l *Ledger) BatchLiquidateTroves(ctx context.Context, liquidator uuid.UUID, asset string, borrowers []uuid.UUID, maxIterations int) (Summary, error) {
	if err := l.checkIterations(liquidator, maxIterations); err != nil {
		return Summary{}, err
	}
	if _, err := l.assetTotals(asset); err != nil {
		return Summary{}, err
	}
	price, err := l.prices.GetValidPrice(ctx, asset)
	if err != nil {
		return Summary{}, err
	}

	var total Summary
	for i, borrower := range borrowers {
		if i >= maxIterations {
			break
		}
		if err := l.tryLiquidate(ctx, liquidator, key{borrower, asset}, price, &total); err != nil {
			return Summary{}, err
		}
	}
	return l.finishBatch(asset, liquidator, total)
}

// LiquidateTroves walks the index from the lowest NICR and stops at the first healthy trove.
func (l *Ledger) LiquidateTroves(ctx context.Context, liquidator uuid.UUID, asset string, maxIterations int) (Summary, error) {
	if err := l.checkIterations(liquidator, maxIterations); err != nil {
		return Summary{}, err
	}
	if _, err := l.assetTotals(asset); err != nil {
		return Summary{}, err
	}
	price, err := l.prices.GetValidPrice(ctx, asset)
	if err != nil {
		return Summary{}, err
	}

	var total Summary
	id := l.index.Last(asset)
	for i := 0; i < maxIterations && id != uuid.Nil; i++ {
		prev := l.index.Prev(asset, id)
		if l.GetCurrentICR(id, asset, price).Gte(MCR) {
			break
		}
		if err := l.tryLiquidate(ctx, liquidator, key{id, asset}, price, &total); err != nil {
			return Summary{}, err
		}
		id = prev
	}
	return l.finishBatch(asset, liquidator, total)
}

func (l *Ledger) checkIterations(liquidator uuid.UUID, maxIterations int) error {
	if maxIterations <= 0 {
		return ErrInvalidIterations
	}
	if maxIterations > MaxSweepIterations {
		return access.Require(l.auth, liquidator, access.RoleLiquidator)
	}
	return nil
}

// tryLiquidate liquidates one trove inside its own journal revision so a skip leaves nothing behind.
func (l *Ledger) tryLiquidate(ctx context.Context, liquidator uuid.UUID, k key, price fpmath.Amount, total *Summary) error {
	rev := l.journal.Snapshot()
	s, err := l.liquidateOne(ctx, liquidator, k, price)
	switch {
	case err == nil:
		total.add(s)
	case errors.Is(err, ErrNothingToLiquidate), errors.Is(err, ErrTroveNotActive):
		l.journal.RevertToSnapshot(rev)
		total.Skipped++
	default:
		return err
	}
	return nil
}

func (l *Ledger) finishBatch(asset string, liquidator uuid.UUID, total Summary) (Summary, error) {
	if total.Liquidated == 0 {
		return total, fmt.Errorf("%w: %s (%d skipped)", ErrNothingToLiquidate, asset, total.Skipped)
	}
	l.emitSummary(asset, liquidator, total)
	return total, nil
}

func (l *Ledger) liquidateOne(ctx context.Context, liquidator uuid.UUID, k key, price fpmath.Amount) (Summary, error) {
	t := l.troves[k]
	if t.Status != StatusActive {
		return Summary{}, fmt.Errorf("%w: %s/%s", ErrTroveNotActive, k.owner, k.asset)
	}

	icr := l.GetCurrentICR(k.owner, k.asset, price)
	if icr.Gte(MCR) {
		return Summary{}, fmt.Errorf("%w: %s/%s ICR %s", ErrNothingToLiquidate, k.owner, k.asset, icr)
	}

	if err := l.applyPendingRewards(ctx, k); err != nil {
		return Summary{}, err
	}
	t = l.troves[k]

	debt := t.Debt
	coll := t.Coll
	collGasComp := CollGasCompensation(coll)
	collToLiquidate := coll.Sub(collGasComp)

	absorbed, collAbsorbed, err := l.pool.Offset(ctx, access.LedgerPrincipal, k.asset, debt, collToLiquidate)
	if err != nil {
		return Summary{}, fmt.Errorf("offset: %w", err)
	}
	residualDebt := debt.Sub(absorbed)
	residualColl := collToLiquidate.Sub(collAbsorbed)

	totals := l.totals[k.asset]
	totals.ActiveDebt = totals.ActiveDebt.Sub(debt)
	totals.ActiveColl = totals.ActiveColl.Sub(coll)
	l.closeTrove(k, t, totals, StatusClosedByLiquidation)

	s := Summary{
		Liquidated:  1,
		Debt:        debt,
		Coll:        coll,
		DebtGasComp: GasCompensation,
		CollGasComp: collGasComp,
		DebtOffset:  absorbed,
		CollOffset:  collAbsorbed,
	}
	if err := l.redistribute(ctx, k.asset, residualDebt, residualColl, &s); err != nil {
		return Summary{}, err
	}
	l.updateSystemSnapshots(k.asset)

	if err := l.book.Transfer(ctx,
		ledger.NewSystemAccountKey(ledger.SubTypeGasPool, ledger.DebtToken),
		ledger.NewUserAccountKey(liquidator, ledger.DebtToken),
		GasCompensation,
	); err != nil {
		return Summary{}, fmt.Errorf("gas compensation: %w", err)
	}
	if !collGasComp.IsZero() {
		if err := l.book.TransferOut(ctx, k.asset, ledger.SubTypeActivePool, liquidator, collGasComp); err != nil {
			return Summary{}, fmt.Errorf("collateral compensation: %w", err)
		}
	}

	l.emitter.Emit(&event.TroveLiquidated{
		Borrower:   k.owner,
		Asset:      k.asset,
		Debt:       debt,
		Coll:       coll,
		Liquidator: liquidator,
		ICR:        icr,
		Price:      price,
	})
	l.emitTroveUpdated(l.troves[k], event.OpLiquidate)
	return s, nil
}

// redistribute spreads the residual over the remaining stakes. With no stake
// left the residual is parked in the unallocated account.
func (l *Ledger) redistribute(ctx context.Context, asset string, debt, coll fpmath.Amount, s *Summary) error {
	if debt.IsZero() && coll.IsZero() {
		return nil
	}
	totals := l.totals[asset]

	if totals.TotalStakes.IsZero() {
		totals.UnallocatedDebt = totals.UnallocatedDebt.Add(debt)
		totals.UnallocatedColl = totals.UnallocatedColl.Add(coll)
		if !coll.IsZero() {
			if err := l.book.Move(ctx, asset, ledger.SubTypeActivePool, ledger.SubTypeUnallocated, coll); err != nil {
				return fmt.Errorf("park residual: %w", err)
			}
		}
		txn.SetMap(l.journal, l.totals, asset, totals)
		s.DebtUnallocated = s.DebtUnallocated.Add(debt)
		s.CollUnallocated = s.CollUnallocated.Add(coll)
		l.emitter.Emit(&event.RedistributionSkipped{Asset: asset, Debt: debt, Coll: coll})
		return nil
	}

	one := fpmath.One()
	collNumerator := coll.Mul(one).Add(totals.LCollError)
	debtNumerator := debt.Mul(one).Add(totals.LDebtError)

	collPerStake := collNumerator.Div(totals.TotalStakes)
	debtPerStake := debtNumerator.Div(totals.TotalStakes)

	totals.LCollError = collNumerator.Sub(collPerStake.Mul(totals.TotalStakes))
	totals.LDebtError = debtNumerator.Sub(debtPerStake.Mul(totals.TotalStakes))
	totals.LColl = totals.LColl.Add(collPerStake)
	totals.LDebt = totals.LDebt.Add(debtPerStake)

	totals.DefaultDebt = totals.DefaultDebt.Add(debt)
	totals.DefaultColl = totals.DefaultColl.Add(coll)
	if !coll.IsZero() {
		if err := l.book.Move(ctx, asset, ledger.SubTypeActivePool, ledger.SubTypeDefaultPool, coll); err != nil {
			return fmt.Errorf("redistribute: %w", err)
		}
	}
	txn.SetMap(l.journal, l.totals, asset, totals)

	s.DebtRedistrib = s.DebtRedistrib.Add(debt)
	s.CollRedistrib = s.CollRedistrib.Add(coll)
	l.emitter.Emit(&event.Redistribution{
		Asset: asset,
		Debt:  debt,
		Coll:  coll,
		LDebt: totals.LDebt,
		LColl: totals.LColl,
	})
	return nil
}

// updateSystemSnapshots records the stake/collateral ratio new stakes are computed against.
func (l *Ledger) updateSystemSnapshots(asset string) {
	totals := l.totals[asset]
	totals.TotalStakesSnapshot = totals.TotalStakes
	totals.TotalCollateralSnapshot = totals.EntireColl()
	txn.SetMap(l.journal, l.totals, asset, totals)
}

func (l *Ledger) emitSummary(asset string, liquidator uuid.UUID, s Summary) {
	l.emitter.Emit(&event.LiquidationSummary{
		Asset:           asset,
		Liquidator:      liquidator,
		Liquidated:      s.Liquidated,
		Skipped:         s.Skipped,
		Debt:            s.Debt,
		Coll:            s.Coll,
		DebtGasComp:     s.DebtGasComp,
		CollGasComp:     s.CollGasComp,
		DebtOffset:      s.DebtOffset,
		DebtRedistrib:   s.DebtRedistrib,
		DebtUnallocated: s.DebtUnallocated,
	})
}
