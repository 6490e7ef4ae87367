// Package oracle serves staleness- and deviation-checked collateral prices.
package oracle

import (
	"TroveLedger/internal/access"
	"TroveLedger/internal/call"
	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/txn"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const TargetDecimals = 18

// MaxDeviation is the largest relative move accepted between two readings.
var MaxDeviation = fpmath.Percent(50)

var (
	ErrOracleNotRegistered = errors.New("oracle: asset not registered")
	ErrOracleFrozen        = errors.New("oracle: asset frozen")
	ErrInvalidFeed         = errors.New("oracle: invalid feed")
	ErrInvalidHeartbeat    = errors.New("oracle: invalid heartbeat")
	ErrPriceInvalid        = errors.New("oracle: price invalid")
)

// Read outcomes, also used as metric labels.
const (
	StatusValid   = "valid"
	StatusFailed  = "failed"
	StatusStale   = "stale"
	StatusDeviate = "deviation"
	StatusCached  = "memo"
)

// Price is the result of a strict read.
type Price struct {
	Price fpmath.Amount
	Valid bool
}

// PriceStatus is the monitoring view of an asset's price.
type PriceStatus struct {
	Price     fpmath.Amount `json:"price"`
	IsValid   bool          `json:"is_valid"`
	IsCached  bool          `json:"is_cached"`
	Timestamp time.Time     `json:"timestamp"`
}

// ReadObserver is told the outcome of every feed evaluation.
type ReadObserver interface {
	ObserveRead(asset, status string)
}

type assetConfig struct {
	feed          Feed
	heartbeat     time.Duration
	decimals      uint8
	lastGoodPrice fpmath.Amount
	lastGoodTime  time.Time
	frozen        bool
	frozenReason  string
}

type Oracle struct {
	auth     access.Authorizer
	journal  *txn.Journal
	emitter  event.Emitter
	clock    clockwork.Clock
	observer ReadObserver

	configs map[string]assetConfig
}

func New(auth access.Authorizer, journal *txn.Journal, emitter event.Emitter, clock clockwork.Clock) *Oracle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Oracle{
		auth:    auth,
		journal: journal,
		emitter: emitter,
		clock:   clock,
		configs: make(map[string]assetConfig),
	}
}

func (o *Oracle) SetObserver(obs ReadObserver) {
	o.observer = obs
}

func memoKey(asset string) string {
	return "oracle:price:" + asset
}

// Register binds asset to feed. Re-registration replaces the feed and keeps
// the last accepted price.
func (o *Oracle) Register(ctx context.Context, caller uuid.UUID, asset string, feed Feed, heartbeat time.Duration) error {
	if err := access.Require(o.auth, caller, access.RoleAdmin); err != nil {
		return err
	}
	if feed == nil {
		return ErrInvalidFeed
	}
	if heartbeat <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidHeartbeat, heartbeat)
	}

	cfg := o.configs[asset]
	cfg.feed = feed
	cfg.heartbeat = heartbeat
	cfg.decimals = feed.Decimals()
	txn.SetMap(o.journal, o.configs, asset, cfg)

	if scope := call.From(ctx); scope != nil {
		scope.Forget(memoKey(asset))
	}

	o.emitter.Emit(&event.OracleRegistered{
		Asset:     asset,
		Feed:      feed.Description(),
		Heartbeat: heartbeat,
		Decimals:  cfg.decimals,
	})
	return nil
}

func (o *Oracle) Freeze(ctx context.Context, caller uuid.UUID, asset, reason string) error {
	if err := access.Require(o.auth, caller, access.RoleAdmin); err != nil {
		return err
	}
	cfg, ok := o.configs[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOracleNotRegistered, asset)
	}
	cfg.frozen = true
	cfg.frozenReason = reason
	txn.SetMap(o.journal, o.configs, asset, cfg)

	o.emitter.Emit(&event.OracleFrozen{Asset: asset, Reason: reason})
	return nil
}

func (o *Oracle) Unfreeze(ctx context.Context, caller uuid.UUID, asset string) error {
	if err := access.Require(o.auth, caller, access.RoleAdmin); err != nil {
		return err
	}
	cfg, ok := o.configs[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOracleNotRegistered, asset)
	}
	cfg.frozen = false
	cfg.frozenReason = ""
	txn.SetMap(o.journal, o.configs, asset, cfg)

	if scope := call.From(ctx); scope != nil {
		scope.Forget(memoKey(asset))
	}

	o.emitter.Emit(&event.OracleUnfrozen{Asset: asset})
	return nil
}

// GetPrice is the strict read. An invalid reading is not an error: it returns
// the last good price with Valid == false.
func (o *Oracle) GetPrice(ctx context.Context, asset string) (Price, error) {
	cfg, ok := o.configs[asset]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrOracleNotRegistered, asset)
	}
	if cfg.frozen {
		return Price{}, fmt.Errorf("%w: %s (%s)", ErrOracleFrozen, asset, cfg.frozenReason)
	}

	scope := call.From(ctx)
	if scope != nil {
		if v, ok := scope.Memo(memoKey(asset)); ok {
			o.observe(asset, StatusCached)
			return v.(Price), nil
		}
	}

	reading := o.read(ctx, scope, asset, cfg)
	price, status := o.evaluate(cfg, reading, o.now(scope))
	o.observe(asset, status)

	result := Price{Price: cfg.lastGoodPrice, Valid: false}
	if status == StatusValid {
		result = Price{Price: price, Valid: true}
		if !price.Eq(cfg.lastGoodPrice) || !reading.UpdatedAt.Equal(cfg.lastGoodTime) {
			cfg.lastGoodPrice = price
			cfg.lastGoodTime = reading.UpdatedAt
			txn.SetMap(o.journal, o.configs, asset, cfg)
			o.emitter.Emit(&event.LastGoodPriceUpdated{
				Asset:     asset,
				Price:     price,
				Timestamp: reading.UpdatedAt,
			})
		}
	}

	if scope != nil {
		key := memoKey(asset)
		scope.Remember(key, result)
		// the memo must not outlive the lastGood update it depends on
		o.journal.Record(func() { scope.Forget(key) })
	}
	return result, nil
}

// GetValidPrice is GetPrice for debt-affecting callers: an invalid reading aborts.
func (o *Oracle) GetValidPrice(ctx context.Context, asset string) (fpmath.Amount, error) {
	p, err := o.GetPrice(ctx, asset)
	if err != nil {
		return fpmath.Amount{}, err
	}
	if !p.Valid {
		return fpmath.Amount{}, fmt.Errorf("%w: %s", ErrPriceInvalid, asset)
	}
	return p.Price, nil
}

// GetPriceWithStatus never errors and never mutates oracle state.
func (o *Oracle) GetPriceWithStatus(ctx context.Context, asset string) PriceStatus {
	cfg, ok := o.configs[asset]
	if !ok {
		return PriceStatus{}
	}
	if cfg.frozen {
		return PriceStatus{Price: cfg.lastGoodPrice, IsValid: false, IsCached: true, Timestamp: cfg.lastGoodTime}
	}

	scope := call.From(ctx)
	if scope != nil {
		if v, ok := scope.Memo(memoKey(asset)); ok {
			p := v.(Price)
			if p.Valid {
				return PriceStatus{Price: p.Price, IsValid: true, Timestamp: cfg.lastGoodTime}
			}
			return PriceStatus{Price: p.Price, IsCached: true, Timestamp: cfg.lastGoodTime}
		}
	}

	reading := o.read(ctx, scope, asset, cfg)
	price, status := o.evaluate(cfg, reading, o.now(scope))
	if status == StatusValid {
		return PriceStatus{Price: price, IsValid: true, Timestamp: reading.UpdatedAt}
	}
	return PriceStatus{Price: cfg.lastGoodPrice, IsValid: false, IsCached: true, Timestamp: cfg.lastGoodTime}
}

// read returns the raw observation for asset. Within a call the feed is queried
// at most once; on replay the recorded observation is used instead.
func (o *Oracle) read(ctx context.Context, scope *call.Scope, asset string, cfg assetConfig) call.FeedReading {
	if scope != nil {
		if scope.IsReplay() {
			if r, ok := scope.ReplayReading(asset); ok {
				return r
			}
			return call.FeedReading{Asset: asset, Err: "no recorded reading"}
		}
		if r, ok := scope.Reading(asset); ok {
			return r
		}
	}

	reading := call.FeedReading{Asset: asset}
	round, err := cfg.feed.LatestRound(ctx)
	if err != nil {
		reading.Err = err.Error()
	} else {
		reading.RoundID = round.RoundID
		reading.Answer = round.Answer
		reading.UpdatedAt = round.UpdatedAt
	}
	if scope != nil {
		scope.RecordReading(reading)
	}
	return reading
}

// evaluate applies the guards in order: failed fetch, staleness, deviation.
func (o *Oracle) evaluate(cfg assetConfig, r call.FeedReading, now time.Time) (fpmath.Amount, string) {
	if r.Err != "" || r.Answer.IsZero() {
		return fpmath.Amount{}, StatusFailed
	}
	price := rescale(r.Answer, cfg.decimals)
	if price.IsZero() {
		return fpmath.Amount{}, StatusFailed
	}

	if r.UpdatedAt.After(now) || now.Sub(r.UpdatedAt) > cfg.heartbeat {
		return price, StatusStale
	}

	if !cfg.lastGoodPrice.IsZero() {
		move := fpmath.AbsDiff(price, cfg.lastGoodPrice).DivDecimal(cfg.lastGoodPrice)
		if move.Gt(MaxDeviation) {
			return price, StatusDeviate
		}
	}
	return price, StatusValid
}

func rescale(answer fpmath.Amount, decimals uint8) fpmath.Amount {
	switch {
	case decimals < TargetDecimals:
		return answer.Mul(fpmath.Pow10(TargetDecimals - decimals))
	case decimals > TargetDecimals:
		return answer.Div(fpmath.Pow10(decimals - TargetDecimals))
	}
	return answer
}

func (o *Oracle) now(scope *call.Scope) time.Time {
	if scope != nil {
		return scope.Time
	}
	return o.clock.Now()
}

func (o *Oracle) observe(asset, status string) {
	if o.observer != nil {
		o.observer.ObserveRead(asset, status)
	}
}

// IsRegistered reports whether asset has a feed.
func (o *Oracle) IsRegistered(asset string) bool {
	_, ok := o.configs[asset]
	return ok
}

// Assets returns the registered assets in order.
func (o *Oracle) Assets() []string {
	out := make([]string, 0, len(o.configs))
	for a := range o.configs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// === Snapshot ===

type AssetState struct {
	Feed          string        `json:"feed"`
	Heartbeat     time.Duration `json:"heartbeat"`
	Decimals      uint8         `json:"decimals"`
	LastGoodPrice fpmath.Amount `json:"last_good_price"`
	LastGoodTime  time.Time     `json:"last_good_time"`
	Frozen        bool          `json:"frozen"`
	FrozenReason  string        `json:"frozen_reason,omitempty"`
}

type State struct {
	Assets map[string]AssetState `json:"assets"`
}

func (o *Oracle) Snapshot() State {
	st := State{Assets: make(map[string]AssetState, len(o.configs))}
	for asset, cfg := range o.configs {
		st.Assets[asset] = AssetState{
			Feed:          cfg.feed.Description(),
			Heartbeat:     cfg.heartbeat,
			Decimals:      cfg.decimals,
			LastGoodPrice: cfg.lastGoodPrice,
			LastGoodTime:  cfg.lastGoodTime,
			Frozen:        cfg.frozen,
			FrozenReason:  cfg.frozenReason,
		}
	}
	return st
}

// Restore replaces oracle state, rebinding feeds by name.
func (o *Oracle) Restore(st State, feeds *FeedRegistry) error {
	configs := make(map[string]assetConfig, len(st.Assets))
	for asset, a := range st.Assets {
		feed, ok := feeds.Lookup(a.Feed)
		if !ok {
			return fmt.Errorf("restore oracle %s: feed %q not available", asset, a.Feed)
		}
		configs[asset] = assetConfig{
			feed:          feed,
			heartbeat:     a.Heartbeat,
			decimals:      a.Decimals,
			lastGoodPrice: a.LastGoodPrice,
			lastGoodTime:  a.LastGoodTime,
			frozen:        a.Frozen,
			frozenReason:  a.FrozenReason,
		}
	}
	o.configs = configs
	return nil
}
