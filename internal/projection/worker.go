package projection

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/trove"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BalanceDelta is one signed change to a projected balance. Amount is a raw
// 1e18 integer.
type BalanceDelta struct {
	Account  string
	Asset    string
	Amount   string
	Negative bool
}

// TroveRow is the projected state of one trove after a call.
type TroveRow struct {
	Owner  uuid.UUID
	Asset  string
	Status string
	Debt   string
	Coll   string
	Stake  string
}

// LiquidationRow records one liquidated trove.
type LiquidationRow struct {
	Index      int
	Borrower   uuid.UUID
	Asset      string
	Debt       string
	Coll       string
	Liquidator uuid.UUID
}

// Update is everything one committed call changes in the projection tables.
type Update struct {
	Sequence     int64
	CallTime     time.Time
	Balances     []BalanceDelta
	Troves       []TroveRow
	Liquidations []LiquidationRow
}

// Plan derives the projection update of a committed call.
// Debits increase the debited account and credits decrease the credited one.
func Plan(out core.CoreOutput) Update {
	u := Update{
		Sequence: out.Record.Sequence,
		CallTime: out.Record.Time,
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			amount := j.Amount.Raw()
			u.Balances = append(u.Balances,
				BalanceDelta{Account: j.DebitAccount.AccountPath(), Asset: j.Asset, Amount: amount},
				BalanceDelta{Account: j.CreditAccount.AccountPath(), Asset: j.Asset, Amount: amount, Negative: true},
			)
		}
	}

	if out.Envelope == nil {
		return u
	}

	// Later updates of the same trove within one call win.
	latest := make(map[string]int)
	for i, evt := range out.Envelope.Events {
		switch e := evt.(type) {
		case *event.TroveUpdated:
			row := TroveRow{
				Owner:  e.Borrower,
				Asset:  e.Asset,
				Status: troveStatus(e.Operation).String(),
				Debt:   e.Debt.Raw(),
				Coll:   e.Coll.Raw(),
				Stake:  e.Stake.Raw(),
			}
			k := e.Borrower.String() + "/" + e.Asset
			if at, ok := latest[k]; ok {
				u.Troves[at] = row
				continue
			}
			latest[k] = len(u.Troves)
			u.Troves = append(u.Troves, row)

		case *event.TroveLiquidated:
			u.Liquidations = append(u.Liquidations, LiquidationRow{
				Index:      i,
				Borrower:   e.Borrower,
				Asset:      e.Asset,
				Debt:       e.Debt.Raw(),
				Coll:       e.Coll.Raw(),
				Liquidator: e.Liquidator,
			})
		}
	}
	return u
}

func troveStatus(op event.TroveOperation) trove.Status {
	switch op {
	case event.OpCloseTrove:
		return trove.StatusClosedByOwner
	case event.OpLiquidate:
		return trove.StatusClosedByLiquidation
	default:
		return trove.StatusActive
	}
}

// Worker updates projection tables from committed calls.
// The projection channel is non-blocking with drop on the engine side; if
// projections fall behind they are rebuilt from the command log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			u := Plan(output)
			if err := w.apply(ctx, u); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				w.logger.Warn().Err(err).Int64("seq", u.Sequence).Msg("projection update failed")
				continue
			}
			if w.lastSeq >= 0 && u.Sequence != w.lastSeq+1 {
				w.logger.Warn().Int64("from", w.lastSeq+1).Int64("to", u.Sequence-1).Msg("projection gap; rebuild required")
			}
			w.lastSeq = u.Sequence
		}
	}
}

func (w *Worker) apply(ctx context.Context, u Update) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range u.Balances {
		if err := applyBalance(ctx, tx, d, u.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, r := range u.Troves {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.troves (owner, asset, status, debt, coll, stake, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (owner, asset) DO UPDATE
			SET status = $3, debt = $4, coll = $5, stake = $6, last_sequence = $7
		`, r.Owner, r.Asset, r.Status, r.Debt, r.Coll, r.Stake, u.Sequence); err != nil {
			return fmt.Errorf("trove projection: %w", err)
		}
	}

	for _, l := range u.Liquidations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidations (sequence, idx, borrower, asset, debt, coll, liquidator, call_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sequence, idx) DO NOTHING
		`, u.Sequence, l.Index, l.Borrower, l.Asset, l.Debt, l.Coll, l.Liquidator, u.CallTime); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func applyBalance(ctx context.Context, tx *sql.Tx, d BalanceDelta, seq int64) error {
	op := "+"
	if d.Negative {
		op = "-"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, `+op+`$3::numeric, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance `+op+` $3::numeric, last_sequence = $4
	`, d.Account, d.Asset, d.Amount, seq)
	return err
}

// RebuildProjections rebuilds the balance projection from cdp.journals and
// resets the watermark to the last journaled sequence. Trove and
// liquidation projections are rebuilt from cdp.events.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.troves`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM cdp.journals
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM cdp.journals
		) d
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.troves (owner, asset, status, debt, coll, stake, last_sequence)
		SELECT DISTINCT ON (payload->>'borrower', asset)
			(payload->>'borrower')::uuid,
			asset,
			CASE payload->>'operation'
				WHEN 'close' THEN 'closed_by_owner'
				WHEN 'liquidate' THEN 'closed_by_liquidation'
				ELSE 'active'
			END,
			(payload->>'debt')::numeric,
			(payload->>'coll')::numeric,
			(payload->>'stake')::numeric,
			sequence
		FROM cdp.events
		WHERE event_type = 'TroveUpdated'
		ORDER BY payload->>'borrower', asset, sequence DESC, idx DESC
	`); err != nil {
		return fmt.Errorf("rebuild troves: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations (sequence, idx, borrower, asset, debt, coll, liquidator, call_time)
		SELECT sequence, idx,
			(payload->>'borrower')::uuid, asset,
			(payload->>'debt')::numeric, (payload->>'coll')::numeric,
			(payload->>'liquidator')::uuid, call_time
		FROM cdp.events
		WHERE event_type = 'TroveLiquidated'
	`); err != nil {
		return fmt.Errorf("rebuild liquidations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', MAX(sequence), NOW() FROM cdp.commands HAVING MAX(sequence) IS NOT NULL
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
