package main

import (
	"TroveLedger/internal/config"
	"TroveLedger/internal/core"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/keeper"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/query"
	"TroveLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const replayPageSize = 1000

func main() {
	configPath := flag.String("config", os.Getenv("CDP_CONFIG"), "path to the TOML asset/admin config")
	skipMigrate := flag.Bool("skip-migrate", false, "do not apply pending SQL migrations at startup")
	flag.Parse()

	boot := observability.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("main", observability.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, !*skipMigrate, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("troveledger exited")
	}
	logger.Info().Msg("troveledger shutdown complete")
}

func run(ctx context.Context, cfg config.Config, migrate bool, logger zerolog.Logger) error {
	logger.Info().Int("assets", len(cfg.Assets)).Int("admins", len(cfg.Admins)).Msg("troveledger starting")
	level := logger.GetLevel()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if migrate {
		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLoggerWithLevel("migrator", level))
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks the engine (backpressure); the projection
	// channel drops when full.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	// --- Engine ---
	feeds := cfg.BuildFeeds(time.Now())
	coreLogger := observability.NewLoggerWithLevel("core", level)
	engine := core.NewEngine(core.Config{
		Admins:         cfg.Admins,
		Feeds:          feeds,
		Clock:          clockwork.NewRealClock(),
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
		Logger:         &coreLogger,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionChan,
	})

	// --- Recovery: snapshot + command log replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverEngine(ctx, engine, snapMgr, metrics, logger); err != nil {
		return err
	}
	recovered := engine.GetSequence() - 1

	runner := core.NewRunner(engine, cfg.RunnerQueueSize)
	snapshot := snapshotFunc(runner, snapMgr, metrics, logger)

	g, gctx := errgroup.WithContext(ctx)

	// 1. Engine loop
	g.Go(func() error {
		return runner.Run(gctx)
	})

	// 2. Output bridge: persist worker (blocking) + outbound publisher (drops)
	g.Go(func() error {
		return bridgeOutputs(gctx, persistCoreChan, persistWorkerChan, publishChan, metrics)
	})

	// 3. Persistence worker
	persistWorker := persistence.NewWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		observability.NewLoggerWithLevel("persistence", level))
	g.Go(func() error {
		return persistWorker.Run(gctx)
	})

	// 4. Projection worker
	projWorker := projection.NewWorker(db, projectionChan, observability.NewLoggerWithLevel("projection", level))
	g.Go(func() error {
		return projWorker.Run(gctx)
	})

	// --- NATS ---
	natsLogger := observability.NewLoggerWithLevel("nats", level)
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		return err
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	// 5. Outbound publisher
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, natsLogger)
	g.Go(func() error {
		return publisher.Run(gctx)
	})

	// 6. Inbound: NATS -> dispatcher -> feeds / engine
	rawChan := make(chan ingestion.RawMessage, cfg.InboundChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
	if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer subscriber.Stop()

	dispatcher := ingestion.NewDispatcher(feeds, runner, rawChan, metrics, observability.NewLoggerWithLevel("dispatcher", level))
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	// Register configured assets that the recovered state does not know yet.
	if err := bootstrapAssets(gctx, runner, cfg, logger); err != nil {
		return err
	}

	// 7. Liquidation keeper
	kp := keeper.New(runner, nil, cfg.KeeperInterval, cfg.KeeperMaxIterations, metrics,
		observability.NewLoggerWithLevel("keeper", level))
	g.Go(func() error {
		return kp.Run(gctx)
	})

	// 8. Periodic snapshots
	g.Go(func() error {
		return runPeriodicSnapshots(gctx, runner, snapshot, recovered, cfg.SnapshotInterval, cfg.SnapshotCheckEvery, logger)
	})

	// 9. gRPC + HTTP/JSON
	serverLogger := observability.NewLoggerWithLevel("server", level)
	api := server.NewAPI(server.APIDeps{
		Query:     query.NewService(runner, db),
		Submitter: runner,
		DB:        db,
		Snapshot:  snapshot,
		Metrics:   metrics,
		Logger:    serverLogger,
	})
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, api, healthChecker, serverLogger)
	g.Go(func() error {
		return grpcServer.StartGRPC(gctx)
	})
	g.Go(func() error {
		return grpcServer.StartHTTPGateway(gctx)
	})

	// 10. Prometheus metrics
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, logger)
	})

	healthChecker.MarkRecovered(recovered)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", recovered).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("troveledger ready")

	err = g.Wait()
	healthChecker.SetReady(false)

	// The runner has stopped, so the engine is quiescent and can be read
	// directly for the final snapshot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if seq, serr := saveSnapshot(shutdownCtx, engine.CreateSnapshotState(), snapMgr, metrics); serr != nil {
		logger.Error().Err(serr).Msg("final snapshot failed")
	} else if seq >= 0 {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}
	return err
}

// recoverEngine restores the latest verified snapshot and replays the command
// log after it.
func recoverEngine(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying full log")
		snap = nil
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot at %d: %w", snap.Sequence, err)
		}
		if engine.GetStateHash() != snap.StateHash {
			return fmt.Errorf("state hash mismatch after restore at %d", snap.Sequence)
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	start := time.Now()
	n, err := snapMgr.ReplayFrom(ctx, engine.GetSequence(), replayPageSize, func(rec core.CommandRecord) error {
		return engine.Replay(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("command replay: %w", err)
	}
	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	if n > 0 {
		logger.Info().Int64("replayed", n).Int64("sequence", engine.GetSequence()-1).Msg("command log replayed")
	}

	if err := engine.CheckGlobalInvariants(); err != nil {
		return fmt.Errorf("invariants after recovery: %w", err)
	}
	return nil
}

// bootstrapAssets submits RegisterOracle, as the first admin, for every
// configured asset not yet registered.
func bootstrapAssets(ctx context.Context, runner *core.Runner, cfg config.Config, logger zerolog.Logger) error {
	var missing []config.AssetConfig
	err := runner.Do(ctx, func(e *core.Engine) {
		for _, a := range cfg.Assets {
			if !e.Oracle().IsRegistered(a.Symbol) {
				missing = append(missing, a)
			}
		}
	})
	if err != nil {
		return err
	}

	for _, a := range missing {
		req := core.Request{
			ID:     uuid.NewSHA1(uuid.NameSpaceURL, []byte("troveledger/register/"+a.Symbol)),
			Caller: cfg.Admins[0],
			Command: &core.RegisterOracle{
				Asset:     a.Symbol,
				Feed:      a.Feed,
				Heartbeat: a.Heartbeat.Duration,
				MaxTroves: a.MaxTroves,
			},
		}
		res, err := runner.SubmitNext(ctx, req)
		if err != nil {
			return fmt.Errorf("register %s: %w", a.Symbol, err)
		}
		logger.Info().Str("asset", a.Symbol).Str("feed", a.Feed).Int64("sequence", res.Sequence).Msg("asset registered")
	}
	return nil
}

func bridgeOutputs(ctx context.Context, in <-chan core.CoreOutput, persistOut, publishOut chan<- core.CoreOutput, metrics *observability.Metrics) error {
	for {
		select {
		case <-ctx.Done():
			// Release an engine blocked on a full persist channel.
			for len(in) > 0 {
				<-in
			}
			return ctx.Err()
		case out, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case persistOut <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case publishOut <- out:
			default:
				metrics.PublishDrops.Inc()
			}
			metrics.SetChannelMetrics("persist", len(in), cap(in))
			metrics.SetChannelMetrics("publish", len(publishOut), cap(publishOut))
		}
	}
}

// snapshotFunc captures engine state on the runner goroutine and writes it
// outside of it.
func snapshotFunc(runner *core.Runner, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) server.SnapshotFunc {
	return func(ctx context.Context) (int64, error) {
		var snap *core.SnapshotState
		if err := runner.Do(ctx, func(e *core.Engine) {
			snap = e.CreateSnapshotState()
		}); err != nil {
			return 0, err
		}
		seq, err := saveSnapshot(ctx, snap, snapMgr, metrics)
		if err != nil {
			return 0, err
		}
		logger.Info().Int64("sequence", seq).Msg("snapshot saved")
		return seq, nil
	}
}

// saveSnapshot writes snap and marks it verified once the command log has
// been persisted up to its sequence. An unverified snapshot is never loaded.
func saveSnapshot(ctx context.Context, snap *core.SnapshotState, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) (int64, error) {
	if snap.Sequence < 0 {
		return -1, nil
	}
	size, err := snapMgr.SaveSnapshot(ctx, snap, time.Now())
	if err != nil {
		return 0, fmt.Errorf("save snapshot at %d: %w", snap.Sequence, err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		persisted, err := snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return 0, err
		}
		if persisted >= snap.Sequence {
			break
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("snapshot at %d: log persisted to %d: %w", snap.Sequence, persisted, ctx.Err())
		case <-ticker.C:
		}
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return 0, err
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return snap.Sequence, nil
}

func runPeriodicSnapshots(ctx context.Context, runner *core.Runner, snapshot server.SnapshotFunc, last, interval int64, every time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var seq int64
		if err := runner.Do(ctx, func(e *core.Engine) { seq = e.GetSequence() - 1 }); err != nil {
			return nil
		}
		if seq-last < interval {
			continue
		}
		taken, err := snapshot(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("periodic snapshot failed")
			continue
		}
		last = taken
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
