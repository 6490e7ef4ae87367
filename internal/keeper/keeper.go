// Package keeper sweeps under-collateralised troves on a timer.
package keeper

import (
	"TroveLedger/internal/access"
	"TroveLedger/internal/core"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/trove"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Runner is the part of *core.Runner the keeper needs.
type Runner interface {
	Do(ctx context.Context, fn func(*core.Engine)) error
	SubmitNext(ctx context.Context, req core.Request) (core.Result, error)
}

// Keeper submits LiquidateTroves for every asset with open troves, as the
// keeper principal, once per interval.
type Keeper struct {
	runner        Runner
	clock         clockwork.Clock
	interval      time.Duration
	maxIterations int
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

func New(runner Runner, clock clockwork.Clock, interval time.Duration, maxIterations int, metrics *observability.Metrics, logger zerolog.Logger) *Keeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Keeper{
		runner:        runner,
		clock:         clock,
		interval:      interval,
		maxIterations: maxIterations,
		metrics:       metrics,
		logger:        logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if _, err := k.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				if errors.Is(err, core.ErrRunnerStopped) {
					return err
				}
				k.logger.Warn().Err(err).Msg("keeper sweep")
			}
		}
	}
}

type assetState struct {
	asset  string
	troves int
}

// SweepResult is the outcome of one sweep for one asset.
type SweepResult struct {
	Asset      string
	Liquidated int
	Outcome    string
}

// Sweep runs one pass over the registered assets and returns what happened
// per asset. Per-asset rejections are reported in the result, not as errors.
func (k *Keeper) Sweep(ctx context.Context) ([]SweepResult, error) {
	var assets []assetState
	err := k.runner.Do(ctx, func(e *core.Engine) {
		for _, asset := range e.Troves().Assets() {
			assets = append(assets, assetState{asset: asset, troves: e.Troves().TroveCount(asset)})
			if k.metrics != nil {
				price := e.Oracle().GetPriceWithStatus(ctx, asset)
				k.metrics.TotalCollateralRatio.WithLabelValues(asset).Set(ratio(e.Troves().TCRAt(asset, price.Price)))
			}
		}
	})
	if err != nil {
		return nil, err
	}

	results := make([]SweepResult, 0, len(assets))
	for _, a := range assets {
		if a.troves == 0 {
			continue
		}
		res := k.sweepAsset(ctx, a.asset)
		if res.Outcome == outcomeStopped {
			return results, core.ErrRunnerStopped
		}
		results = append(results, res)
		if k.metrics != nil {
			k.metrics.KeeperSweeps.WithLabelValues(res.Asset, res.Outcome).Inc()
		}
	}
	return results, nil
}

const (
	outcomeLiquidated = "liquidated"
	outcomeNone       = "nothing_to_liquidate"
	outcomeRejected   = "rejected"
	outcomeStopped    = "stopped"
)

func (k *Keeper) sweepAsset(ctx context.Context, asset string) SweepResult {
	res, err := k.runner.SubmitNext(ctx, core.Request{
		ID:      uuid.New(),
		Caller:  access.KeeperPrincipal,
		Command: &core.LiquidateTroves{Asset: asset, MaxIterations: k.maxIterations},
	})
	switch {
	case err == nil:
		n := 0
		if s, ok := res.Value.(trove.Summary); ok {
			n = s.Liquidated
		}
		k.logger.Info().Str("asset", asset).Int("liquidated", n).Int64("seq", res.Sequence).Msg("keeper liquidated troves")
		return SweepResult{Asset: asset, Liquidated: n, Outcome: outcomeLiquidated}
	case errors.Is(err, trove.ErrNothingToLiquidate):
		return SweepResult{Asset: asset, Outcome: outcomeNone}
	case errors.Is(err, core.ErrRunnerStopped):
		return SweepResult{Asset: asset, Outcome: outcomeStopped}
	default:
		k.logger.Warn().Err(err).Str("asset", asset).Msg("keeper sweep rejected")
		return SweepResult{Asset: asset, Outcome: outcomeRejected}
	}
}

// ratio converts a 1e18 ratio to a float gauge value; an infinite TCR
// (no debt) reports 0.
func ratio(a fpmath.Amount) float64 {
	if a.Eq(fpmath.Max()) {
		return 0
	}
	return a.Float64()
}
