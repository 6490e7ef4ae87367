package persistence

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LogWriter writes the command log, events and journals to Postgres using
// multi-row INSERTs. Every insert is idempotent on its primary key, so a
// retried batch never duplicates rows.
type LogWriter struct {
	db *sql.DB
}

// CommandRow represents a row in cdp.commands
type CommandRow struct {
	Sequence    int64
	CommandID   uuid.UUID
	Caller      uuid.UUID
	Nonce       int64
	CommandType string
	Record      []byte // JSON-encoded core.CommandRecord
	StateHash   []byte
	PrevHash    []byte
	CallTime    time.Time
}

// EventRow represents a row in cdp.events
type EventRow struct {
	Sequence  int64
	Index     int
	EventType string
	Asset     string
	Payload   []byte
	CallTime  time.Time
}

// JournalRow represents a row in cdp.journals
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // raw 1e18 integer
	JournalType   string
	CallTime      int64
}

// Rows is the persisted form of one committed call.
type Rows struct {
	Command  CommandRow
	Events   []EventRow
	Journals []JournalRow
}

func NewLogWriter(db *sql.DB) *LogWriter {
	return &LogWriter{db: db}
}

// RowsFromOutput flattens a committed call into table rows.
func RowsFromOutput(out core.CoreOutput) (Rows, error) {
	rec := out.Record
	data, err := json.Marshal(rec)
	if err != nil {
		return Rows{}, fmt.Errorf("marshal command record %d: %w", rec.Sequence, err)
	}

	rows := Rows{
		Command: CommandRow{
			Sequence:    rec.Sequence,
			CommandID:   rec.Request.ID,
			Caller:      rec.Request.Caller,
			Nonce:       rec.Request.Nonce,
			CommandType: string(rec.Request.Command.CommandType()),
			Record:      data,
			StateHash:   rec.StateHash[:],
			PrevHash:    rec.PrevHash[:],
			CallTime:    rec.Time,
		},
	}

	if out.Envelope != nil {
		for i, evt := range out.Envelope.Events {
			typed, err := event.Encode(evt)
			if err != nil {
				return Rows{}, fmt.Errorf("encode event %d/%d: %w", rec.Sequence, i, err)
			}
			rows.Events = append(rows.Events, EventRow{
				Sequence:  rec.Sequence,
				Index:     i,
				EventType: typed.Type,
				Asset:     typed.Asset,
				Payload:   typed.Payload,
				CallTime:  rec.Time,
			})
		}
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID,
				BatchID:       j.BatchID,
				EventRef:      j.EventRef,
				Sequence:      rec.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset,
				Amount:        j.Amount.Raw(),
				JournalType:   j.JournalType.String(),
				CallTime:      j.Timestamp,
			})
		}
	}

	return rows, nil
}

// WriteCommandBatch writes a batch of command records to cdp.commands.
func (w *LogWriter) WriteCommandBatch(ctx context.Context, tx *sql.Tx, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	query := `INSERT INTO cdp.commands
		(sequence, command_id, caller, nonce, command_type, record, state_hash, prev_hash, call_time)
		VALUES `

	values := make([]string, 0, len(commands))
	args := make([]interface{}, 0, len(commands)*9)

	for i, c := range commands {
		values = append(values, placeholders(i*9, 9))
		args = append(args,
			c.Sequence, c.CommandID, c.Caller, c.Nonce, c.CommandType,
			c.Record, c.StateHash, c.PrevHash, c.CallTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEventBatch writes a batch of events to cdp.events.
func (w *LogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO cdp.events
		(sequence, idx, event_type, asset, payload, call_time)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*6)

	for i, e := range events {
		values = append(values, placeholders(i*6, 6))
		args = append(args, e.Sequence, e.Index, e.EventType, e.Asset, e.Payload, e.CallTime)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, idx) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to cdp.journals.
func (w *LogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO cdp.journals
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, call_time)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		values = append(values, placeholders(i*10, 10))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.CallTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}
