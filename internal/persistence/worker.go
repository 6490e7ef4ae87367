package persistence

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Worker drains the persist channel and batch-writes to Postgres.
// It runs independently from the engine. The persist channel uses BLOCKING
// sends from the engine, so if this worker falls behind the engine stalls
// and no committed call is lost.
type Worker struct {
	db           *sql.DB
	writer       *LogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		db:           db,
		writer:       NewLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// batch accumulates rows between flushes.
type batch struct {
	commands []CommandRow
	events   []EventRow
	journals []JournalRow
}

func (b *batch) add(r Rows) {
	b.commands = append(b.commands, r.Command)
	b.events = append(b.events, r.Events...)
	b.journals = append(b.journals, r.Journals...)
}

func (b *batch) reset() {
	b.commands = b.commands[:0]
	b.events = b.events[:0]
	b.journals = b.journals[:0]
}

func (b *batch) len() int { return len(b.commands) }

// Run starts the worker loop. It batches incoming outputs and flushes
// either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the channel is closed.
func (w *Worker) Run(ctx context.Context) error {
	b := &batch{
		commands: make([]CommandRow, 0, w.batchSize),
		journals: make([]JournalRow, 0, w.batchSize*4),
	}

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if b.len() > 0 {
				if err := w.flush(context.Background(), b); err != nil {
					w.logger.Error().Err(err).Int("calls", b.len()).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if b.len() > 0 {
					if err := w.flush(context.Background(), b); err != nil {
						w.logger.Error().Err(err).Int("calls", b.len()).Msg("final flush failed")
					}
				}
				return nil
			}

			rows, err := RowsFromOutput(output)
			if err != nil {
				// Encoding is deterministic; a failure here is a programming
				// error and retrying cannot fix it.
				return fmt.Errorf("persist seq=%d: %w", output.Record.Sequence, err)
			}
			b.add(rows)

			if b.len() >= w.batchSize {
				if err := w.flushWithRetry(ctx, b); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if b.len() > 0 {
				if err := w.flushWithRetry(ctx, b); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. The worker never drops a batch; on shutdown it makes
// one final attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("calls", b.len()).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), b); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		w.logger.Debug().Err(err).Msg("flush failed")
	}
}

func (w *Worker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	// Commands, events and journals of a batch land in one transaction.
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteCommandBatch(ctx, tx, b.commands); err != nil {
		w.recordError("write_commands")
		return err
	}
	if err := w.writer.WriteEventBatch(ctx, tx, b.events); err != nil {
		w.recordError("write_events")
		return err
	}
	if err := w.writer.WriteJournalBatch(ctx, tx, b.journals); err != nil {
		w.recordError("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.recordError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(b.len()))
		w.metrics.PersistCallsWritten.Add(float64(b.len()))
		w.metrics.PersistJournalsWritten.Add(float64(len(b.journals)))
		w.metrics.PersistLastSequence.Set(float64(b.commands[b.len()-1].Sequence))
	}
	return nil
}

func (w *Worker) recordError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
