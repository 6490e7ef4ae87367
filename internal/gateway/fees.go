package gateway

import (
	"TroveLedger/internal/access"
	"TroveLedger/internal/call"
	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/txn"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// BorrowingFeeFloor is the fee charged with a zero base rate.
	BorrowingFeeFloor = fpmath.MustParseUnits("0.005")
	// MaxBorrowingFee caps the fee rate whatever the base rate.
	MaxBorrowingFee = fpmath.Percent(5)
)

type baseRate struct {
	rate       fpmath.Amount
	lastUpdate time.Time
}

func (g *Gateway) now(ctx context.Context) time.Time {
	if scope := call.From(ctx); scope != nil {
		return scope.Time
	}
	return g.clock.Now()
}

func minutesSince(last, now time.Time) uint64 {
	if last.IsZero() || !now.After(last) {
		return 0
	}
	return uint64(now.Sub(last) / time.Minute)
}

// decayedBaseRate is the stored base rate decayed to now (half-life 12h).
func (g *Gateway) decayedBaseRate(asset string, now time.Time) fpmath.Amount {
	br := g.baseRates[asset]
	if br.rate.IsZero() {
		return br.rate
	}
	return fpmath.DecayRate(br.rate, minutesSince(br.lastUpdate, now))
}

// FeeRate is floor + decayed base rate, capped at MaxBorrowingFee.
func (g *Gateway) FeeRate(ctx context.Context, asset string) fpmath.Amount {
	return feeRate(g.decayedBaseRate(asset, g.now(ctx)))
}

func feeRate(base fpmath.Amount) fpmath.Amount {
	return fpmath.Min(BorrowingFeeFloor.Add(base), MaxBorrowingFee)
}

// BaseRate returns the decayed base rate without writing it back.
func (g *Gateway) BaseRate(ctx context.Context, asset string) fpmath.Amount {
	return g.decayedBaseRate(asset, g.now(ctx))
}

// SetBaseRate is the admin control over the fee curve.
func (g *Gateway) SetBaseRate(ctx context.Context, caller uuid.UUID, asset string, rate fpmath.Amount) error {
	if err := access.Require(g.auth, caller, access.RoleAdmin); err != nil {
		return err
	}
	if rate.Gt(fpmath.One()) {
		return fmt.Errorf("%w: %s", ErrInvalidBaseRate, rate)
	}
	txn.SetMap(g.journal, g.baseRates, asset, baseRate{rate: rate, lastUpdate: g.now(ctx)})
	g.emitter.Emit(&event.BaseRateUpdated{Asset: asset, BaseRate: rate})
	return nil
}

// decayBaseRateFromBorrowing writes the decayed rate back once at least a minute has passed.
func (g *Gateway) decayBaseRateFromBorrowing(ctx context.Context, asset string) {
	br, ok := g.baseRates[asset]
	if !ok || br.rate.IsZero() {
		return
	}
	now := g.now(ctx)
	minutes := minutesSince(br.lastUpdate, now)
	if minutes == 0 {
		return
	}
	decayed := fpmath.DecayRate(br.rate, minutes)
	txn.SetMap(g.journal, g.baseRates, asset, baseRate{
		rate:       decayed,
		lastUpdate: br.lastUpdate.Add(time.Duration(minutes) * time.Minute),
	})
	g.emitter.Emit(&event.BaseRateUpdated{Asset: asset, BaseRate: decayed})
}

// validateMaxFee bounds the caller's fee tolerance. Recovery mode charges no fee.
func validateMaxFee(maxFee fpmath.Amount, recovery bool) error {
	if maxFee.Gt(fpmath.One()) {
		return fmt.Errorf("%w: %s above 100%%", ErrInvalidMaxFee, maxFee)
	}
	if !recovery && maxFee.Lt(BorrowingFeeFloor) {
		return fmt.Errorf("%w: %s below floor", ErrInvalidMaxFee, maxFee)
	}
	return nil
}

// borrowingFee charges debt * feeRate and rejects it when it exceeds maxFee.
func (g *Gateway) borrowingFee(ctx context.Context, asset string, debt, maxFee fpmath.Amount) (fpmath.Amount, error) {
	if debt.IsZero() {
		return fpmath.Zero(), nil
	}
	g.decayBaseRateFromBorrowing(ctx, asset)
	fee := debt.MulDecimal(g.FeeRate(ctx, asset))
	if pct := fee.DivDecimal(debt); pct.Gt(maxFee) {
		return fpmath.Zero(), fmt.Errorf("%w: fee %s is %s of debt, max %s", ErrFeeExceedsMax, fee, pct, maxFee)
	}
	return fee, nil
}
