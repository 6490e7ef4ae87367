package core

import (
	"TroveLedger/internal/access"
	"TroveLedger/internal/call"
	"TroveLedger/internal/event"
	"TroveLedger/internal/gateway"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/pool"
	"TroveLedger/internal/sorted"
	"TroveLedger/internal/trove"
	"TroveLedger/internal/txn"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	ErrReentrantCall  = errors.New("core: re-entrant call")
	ErrUnknownFeed    = errors.New("core: unknown feed")
	ErrReplayDiverged = errors.New("core: replay diverged from recorded state hash")
)

// DefaultGlobalCheckInterval is how many commits pass between full-book checks.
const DefaultGlobalCheckInterval = 1000

// DefaultLRUCapacity bounds the in-memory idempotency tier.
const DefaultLRUCapacity = 1_000_000

const (
	lockFree uint32 = iota
	lockHeld
)

// Engine is the single-threaded command processor. Every top-level call runs
// under one journal revision and commits or reverts as a whole.
type Engine struct {
	sequence    int64
	chain       *HashChain
	journal     *txn.Journal
	events      *event.Buffer
	book        *ledger.Book
	oracle      *oracle.Oracle
	feeds       *oracle.FeedRegistry
	index       *sorted.Index
	troves      *trove.Ledger
	gateway     *gateway.Gateway
	pool        *pool.Pool
	auth        *access.StaticAuthorizer
	idempotency *IdempotencyChecker
	nonces      *SequenceValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger
	clock       clockwork.Clock

	lock             atomic.Uint32
	globalCheckEvery int64

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// Config wires the engine. Zero values fall back to defaults; nil channels
// disable the corresponding output.
type Config struct {
	StartSequence       int64
	Admins              []uuid.UUID
	Feeds               *oracle.FeedRegistry
	Clock               clockwork.Clock
	DefaultMaxTroves    int
	LRUCapacity         int
	GlobalCheckInterval int64
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              *zerolog.Logger
	PersistChan         chan<- CoreOutput
	ProjectionChan      chan<- CoreOutput
}

// CoreOutput is everything one committed call hands to the workers.
type CoreOutput struct {
	Record     CommandRecord
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// CommandRecord is one entry of the command log. It carries every external
// input of the call, so replaying it reproduces StateHash.
type CommandRecord struct {
	Sequence  int64              `json:"sequence"`
	Request   Request            `json:"request"`
	Time      time.Time          `json:"time"`
	Readings  []call.FeedReading `json:"readings,omitempty"`
	StateHash [32]byte           `json:"state_hash"`
	PrevHash  [32]byte           `json:"prev_hash"`
}

// Result reports a committed (or skipped) call.
type Result struct {
	Sequence  int64
	StateHash [32]byte
	Duplicate bool
	Value     any
}

func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	feeds := cfg.Feeds
	if feeds == nil {
		feeds = oracle.NewFeedRegistry()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	lruCapacity := cfg.LRUCapacity
	if lruCapacity <= 0 {
		lruCapacity = DefaultLRUCapacity
	}
	checkEvery := cfg.GlobalCheckInterval
	if checkEvery <= 0 {
		checkEvery = DefaultGlobalCheckInterval
	}

	journal := txn.NewJournal()
	events := event.NewBuffer(journal)
	auth := access.NewModuleAuthorizer(cfg.Admins...)
	book := ledger.NewBook(journal, events)
	orc := oracle.New(auth, journal, events, clock)
	if cfg.Metrics != nil {
		orc.SetObserver(cfg.Metrics)
	}
	index := sorted.New(journal, cfg.DefaultMaxTroves)
	sp := pool.New(auth, journal, events, book)
	gw := gateway.New(auth, journal, events, orc, index, book, clock)
	troves := trove.New(auth, journal, events, orc, index, sp, book)
	if err := gw.SetTroveLedger(troves); err != nil {
		panic(fmt.Sprintf("FATAL: bind trove ledger: %v", err))
	}
	troves.SetCloseObserver(gw)

	return &Engine{
		sequence:         cfg.StartSequence,
		chain:            NewHashChain(),
		journal:          journal,
		events:           events,
		book:             book,
		oracle:           orc,
		feeds:            feeds,
		index:            index,
		troves:           troves,
		gateway:          gw,
		pool:             sp,
		auth:             auth,
		idempotency:      NewIdempotencyChecker(lruCapacity, cfg.DBChecker, cfg.Metrics),
		nonces:           NewSequenceValidator(cfg.Metrics),
		metrics:          cfg.Metrics,
		logger:           logger,
		clock:            clock,
		globalCheckEvery: checkEvery,
		persistChan:      cfg.PersistChan,
		projectionChan:   cfg.ProjectionChan,
	}
}

// Submit runs one command as a top-level call. A duplicate id is skipped and
// reported with Result.Duplicate and a nil error.
func (e *Engine) Submit(ctx context.Context, req Request) (Result, error) {
	return e.execute(ctx, req, call.NewScope(req.ID, e.clock.Now()), false)
}

// Replay re-executes a command log record with its recorded time and feed
// readings. Outputs are not re-sent.
func (e *Engine) Replay(ctx context.Context, rec CommandRecord) error {
	if rec.Sequence != e.sequence {
		return fmt.Errorf("%w: record sequence %d, engine at %d", ErrReplayDiverged, rec.Sequence, e.sequence)
	}
	res, err := e.execute(ctx, rec.Request, call.NewReplayScope(rec.Request.ID, rec.Time, rec.Readings), true)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", rec.Sequence, err)
	}
	if res.StateHash != rec.StateHash {
		return fmt.Errorf("%w: sequence %d", ErrReplayDiverged, rec.Sequence)
	}
	if e.metrics != nil {
		e.metrics.ReplayCallsTotal.Inc()
	}
	return nil
}

// execute is the processing pipeline shared by Submit and Replay
func (e *Engine) execute(ctx context.Context, req Request, scope *call.Scope, replay bool) (Result, error) {
	start := time.Now()
	if req.Command == nil {
		return Result{}, fmt.Errorf("%w: nil command", ErrUnknownCommand)
	}
	cmdType := string(req.Command.CommandType())

	// Step 1: one top-level call at a time
	if !e.lock.CompareAndSwap(lockFree, lockHeld) {
		e.reject(cmdType, "reentrant", req, ErrReentrantCall)
		return Result{}, ErrReentrantCall
	}
	defer e.lock.Store(lockFree)

	// Step 2: idempotency (two-tier). Replayed records were deduplicated when first committed.
	if !replay && e.idempotency.IsDuplicate(cmdType, req.ID) {
		e.reject(cmdType, "duplicate", req, nil)
		return Result{Sequence: e.sequence, StateHash: e.chain.Tip(), Duplicate: true}, nil
	}

	// Step 3: caller nonce, checked now and consumed only on commit
	partition := noncePartition(req.Caller)
	if err := e.nonces.Check(partition, req.Nonce); err != nil {
		e.reject(cmdType, "nonce", req, err)
		return Result{}, err
	}

	if err := ValidateAmounts(req.Command); err != nil {
		e.reject(cmdType, "malformed", req, err)
		return Result{}, err
	}

	// Step 4: open the call
	ctx = call.WithScope(ctx, scope)
	rev := e.journal.Snapshot()
	committed := false
	defer func() {
		if r := recover(); r != nil {
			if !committed {
				e.rollback(rev)
			}
			e.logger.Error().
				Str("command", cmdType).
				Str("id", req.ID.String()).
				Interface("panic", r).
				Msg("call aborted")
			panic(r)
		}
	}()

	// Step 5: dispatch
	value, err := e.dispatch(ctx, req.Caller, req.Command)
	if err != nil {
		e.rollback(rev)
		e.reject(cmdType, "rejected", req, err)
		return Result{}, err
	}

	// Step 6: post-checks
	if err := e.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: commit
	output := e.commit(req, scope)
	committed = true
	e.nonces.Advance(partition, req.Nonce)
	e.idempotency.MarkProcessed(req.ID)

	// Step 8: outputs
	if !replay {
		e.emit(output)
	}

	e.recordCommit(req.Command, output, value, start)
	return Result{
		Sequence:  output.Record.Sequence,
		StateHash: output.Record.StateHash,
		Value:     value,
	}, nil
}

func (e *Engine) rollback(rev int) {
	e.journal.RevertToSnapshot(rev)
	e.journal.Reset()
	e.book.DiscardPending()
	e.events.Discard()
}

func (e *Engine) reject(cmdType, reason string, req Request, err error) {
	if e.metrics != nil {
		e.metrics.CoreCallsRejected.WithLabelValues(cmdType, reason).Inc()
	}
	evt := e.logger.Info()
	if reason == "rejected" {
		evt = e.logger.Warn()
	}
	evt.Str("command", cmdType).
		Str("id", req.ID.String()).
		Str("caller", req.Caller.String()).
		Int64("nonce", req.Nonce).
		Str("reason", reason).
		Err(err).
		Msg("call not committed")
}

// commit seals the call: drains the journal batch and events, extends the hash chain.
func (e *Engine) commit(req Request, scope *call.Scope) CoreOutput {
	touched := e.book.Touched()
	batch := e.book.DrainBatch(e.sequence)
	if batch != nil {
		if err := e.book.Validator().ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
	}
	events := e.events.Drain()
	digest := e.computeStateDigest(touched, events)
	e.journal.Reset()

	hashStart := time.Now()
	prevHash := e.chain.Tip()
	stateHash := e.chain.Extend(e.sequence, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	cmdType := string(req.Command.CommandType())
	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: req.ID.String(),
		CommandType:    cmdType,
		Caller:         req.Caller,
		Timestamp:      scope.Time,
		Events:         events,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{
		Record: CommandRecord{
			Sequence:  e.sequence,
			Request:   req,
			Time:      scope.Time,
			Readings:  scope.Readings(),
			StateHash: stateHash,
			PrevHash:  prevHash,
		},
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: digest,
	}
	e.sequence++
	return output
}

// computeStateDigest creates canonical bytes for state hash: the touched
// accounts with their balances, then the call's events.
func (e *Engine) computeStateDigest(touched []ledger.AccountKey, events []event.Event) []byte {
	accounts := append([]ledger.AccountKey(nil), touched...)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		balance := e.book.BalanceOf(key).Bytes32()
		digest = append(digest, balance[:]...)
	}

	for _, evt := range events {
		typed, err := event.Encode(evt)
		if err != nil {
			panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
		}
		data, err := json.Marshal(typed)
		if err != nil {
			panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
		}
		digest = append(digest, data...)
	}
	return digest
}

// emit hands the output to the workers.
// Persistence is a blocking send (backpressure); projections drop when full.
func (e *Engine) emit(output CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}
}

func (e *Engine) recordCommit(cmd Command, output CoreOutput, value any, start time.Time) {
	if e.metrics == nil {
		return
	}
	cmdType := string(cmd.CommandType())
	e.metrics.CoreCallsApplied.WithLabelValues(cmdType).Inc()
	e.metrics.CoreCallDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
	e.metrics.CoreSequence.Set(float64(e.sequence))

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, evt := range output.Envelope.Events {
		e.metrics.CoreEvents.WithLabelValues(evt.EventType().String()).Inc()
	}

	for _, asset := range e.troves.Assets() {
		e.metrics.ActiveTroves.WithLabelValues(asset).Set(float64(e.troves.TroveCount(asset)))
	}
	e.metrics.PoolDeposits.Set(e.pool.TotalDeposits().Float64())
	e.metrics.PoolP.Set(e.pool.P().Float64())
	e.metrics.PoolEpoch.Set(float64(e.pool.Epoch()))
	e.metrics.PoolScale.Set(float64(e.pool.Scale()))

	if s, ok := value.(trove.Summary); ok {
		asset := liquidatedAsset(cmd)
		e.metrics.Liquidations.WithLabelValues(asset).Add(float64(s.Liquidated))
		e.metrics.LiquidatedDebt.WithLabelValues(asset).Add(s.Debt.Float64())
		e.metrics.OffsetDebt.WithLabelValues(asset).Add(s.DebtOffset.Float64())
		e.metrics.RedistributedDebt.WithLabelValues(asset).Add(s.DebtRedistrib.Float64())
	}
}

func liquidatedAsset(cmd Command) string {
	switch c := cmd.(type) {
	case *Liquidate:
		return c.Asset
	case *BatchLiquidate:
		return c.Asset
	case *LiquidateTroves:
		return c.Asset
	}
	return ""
}

// postCheckInvariants validates the cross-module invariants after dispatch
func (e *Engine) postCheckInvariants() error {
	v := e.book.Validator()
	gasReserve := fpmath.Zero()

	for _, asset := range e.troves.Assets() {
		totals := e.troves.GetAssetTotals(asset)
		checks := []struct {
			sub  ledger.AccountSubType
			want fpmath.Amount
		}{
			{ledger.SubTypeActivePool, totals.ActiveColl},
			{ledger.SubTypeDefaultPool, totals.DefaultColl},
			{ledger.SubTypeUnallocated, totals.UnallocatedColl},
			{ledger.SubTypeStabilityPool, e.pool.Collateral(asset)},
		}
		for _, c := range checks {
			if err := v.ValidateSystemAccount(c.sub, asset, c.want); err != nil {
				return err
			}
		}
		gasReserve = gasReserve.Add(trove.GasCompensation.Mul(fpmath.FromRaw(uint64(totals.TroveCount))))
	}

	if err := v.ValidateSystemAccount(ledger.SubTypeStabilityPool, ledger.DebtToken, e.pool.TotalDeposits()); err != nil {
		return err
	}
	if err := v.ValidateSystemAccount(ledger.SubTypeGasPool, ledger.DebtToken, gasReserve); err != nil {
		return err
	}

	if (e.sequence+1)%e.globalCheckEvery == 0 {
		return e.CheckGlobalInvariants()
	}
	return nil
}

// CheckGlobalInvariants runs the full-book checks: per-asset conservation and
// the stake sum of every asset.
func (e *Engine) CheckGlobalInvariants() error {
	if err := e.book.Validator().ValidateGlobalBalance(); err != nil {
		return err
	}
	for _, asset := range e.troves.Assets() {
		sum := fpmath.Zero()
		for _, t := range e.troves.ActiveTroves(asset) {
			sum = sum.Add(t.Stake)
		}
		if total := e.troves.GetAssetTotals(asset).TotalStakes; !sum.Eq(total) {
			return fmt.Errorf("%s stakes sum to %s, total %s", asset, sum.Raw(), total.Raw())
		}
	}
	return nil
}

// dispatch routes a command to its module. The returned value is surfaced in Result.
func (e *Engine) dispatch(ctx context.Context, caller uuid.UUID, cmd Command) (any, error) {
	switch c := cmd.(type) {
	case *FundWallet:
		if err := access.Require(e.auth, caller, access.RoleAdmin); err != nil {
			return nil, err
		}
		return nil, e.book.Fund(ctx, c.User, c.Asset, c.Amount)
	case *WithdrawWallet:
		return nil, e.book.Withdraw(ctx, caller, c.Asset, c.Amount)
	case *TransferDebt:
		return nil, e.transferDebt(ctx, caller, c)
	case *RegisterOracle:
		return nil, e.registerOracle(ctx, caller, c)
	case *FreezeOracle:
		return nil, e.oracle.Freeze(ctx, caller, c.Asset, c.Reason)
	case *UnfreezeOracle:
		return nil, e.oracle.Unfreeze(ctx, caller, c.Asset)
	case *RefreshPrice:
		return e.oracle.GetPrice(ctx, c.Asset)
	case *SetBaseRate:
		return nil, e.gateway.SetBaseRate(ctx, caller, c.Asset, c.Rate)
	case *SetMaxTroves:
		if err := access.Require(e.auth, caller, access.RoleAdmin); err != nil {
			return nil, err
		}
		return nil, e.index.SetMaxSize(c.Asset, c.Max)
	case *OpenTrove:
		return nil, e.gateway.OpenTrove(ctx, caller, c.Asset, c.MaxFee, c.Coll, c.Debt, c.HintPrev, c.HintNext)
	case *AdjustTrove:
		return nil, e.gateway.AdjustTrove(ctx, caller, c.Asset, gateway.Adjustment{
			MaxFee:         c.MaxFee,
			CollDelta:      c.CollDelta,
			DebtDelta:      c.DebtDelta,
			IsCollIncrease: c.IsCollIncrease,
			IsDebtIncrease: c.IsDebtIncrease,
			HintPrev:       c.HintPrev,
			HintNext:       c.HintNext,
		})
	case *CloseTrove:
		return nil, e.gateway.CloseTrove(ctx, caller, c.Asset)
	case *Liquidate:
		return e.troves.Liquidate(ctx, caller, c.Borrower, c.Asset)
	case *BatchLiquidate:
		return e.troves.BatchLiquidateTroves(ctx, caller, c.Asset, c.Borrowers, c.MaxIterations)
	case *LiquidateTroves:
		return e.troves.LiquidateTroves(ctx, caller, c.Asset, c.MaxIterations)
	case *ProvideToSP:
		return nil, e.pool.ProvideToSP(ctx, caller, c.Amount)
	case *WithdrawFromSP:
		return e.pool.WithdrawFromSP(ctx, caller, c.Amount)
	case *ClaimCollateralGains:
		return e.pool.ClaimCollateralGains(ctx, caller, c.Asset)
	case *ClaimAllCollateralGains:
		return e.pool.ClaimAllCollateralGains(ctx, caller, c.Assets)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func (e *Engine) transferDebt(ctx context.Context, caller uuid.UUID, c *TransferDebt) error {
	from := ledger.NewUserAccountKey(caller, ledger.DebtToken)
	to := ledger.NewUserAccountKey(c.To, ledger.DebtToken)
	if err := e.book.Transfer(ctx, from, to, c.Amount); err != nil {
		return err
	}
	e.events.Emit(&event.DebtTransferred{From: caller, To: c.To, Amount: c.Amount})
	return nil
}

// registerOracle binds the feed and enables the asset in the trove ledger,
// the stability pool and the sorted index.
func (e *Engine) registerOracle(ctx context.Context, caller uuid.UUID, c *RegisterOracle) error {
	feed, ok := e.feeds.Lookup(c.Feed)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFeed, c.Feed)
	}
	if err := e.oracle.Register(ctx, caller, c.Asset, feed, c.Heartbeat); err != nil {
		return err
	}
	e.troves.RegisterAsset(c.Asset)
	e.pool.RegisterAsset(c.Asset)
	if c.MaxTroves > 0 {
		return e.index.SetMaxSize(c.Asset, c.MaxTroves)
	}
	return nil
}

// --- Accessors ---
// Not synchronised: call from the goroutine that owns the engine (see Runner).

func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.chain.Tip()
}

// NextNonce returns the nonce the caller's next command must carry.
func (e *Engine) NextNonce(caller uuid.UUID) int64 {
	return e.nonces.GetExpectedSequence(noncePartition(caller))
}

func (e *Engine) Book() *ledger.Book                   { return e.book }
func (e *Engine) Oracle() *oracle.Oracle               { return e.oracle }
func (e *Engine) Index() *sorted.Index                 { return e.index }
func (e *Engine) Troves() *trove.Ledger                { return e.troves }
func (e *Engine) Gateway() *gateway.Gateway            { return e.gateway }
func (e *Engine) Pool() *pool.Pool                     { return e.pool }
func (e *Engine) Authorizer() *access.StaticAuthorizer { return e.auth }
