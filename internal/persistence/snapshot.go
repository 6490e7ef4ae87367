package persistence

import (
	"TroveLedger/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotFormatVersion v1: JSON-encoded core.SnapshotState
const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots and reading
// the command log back for recovery.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. It is stored unverified; MarkVerified
// flips it once the command log up to snap.Sequence has been written.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO cdp.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), createdAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// MarkVerified marks a snapshot as verified.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE cdp.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. A nil snapshot
// with a nil error means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	var version int
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM cdp.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("load snapshot: unsupported format version %d", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadCommandsFrom loads up to limit command records starting at fromSequence.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]core.CommandRecord, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT record FROM cdp.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []core.CommandRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec core.CommandRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal command record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM cdp.commands`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// ReplayFrom streams the command log after the engine's current position
// into replay in pages of pageSize. Returns the number of records replayed.
func (sm *SnapshotManager) ReplayFrom(ctx context.Context, from int64, pageSize int, replay func(core.CommandRecord) error) (int64, error) {
	var n int64
	for {
		records, err := sm.LoadCommandsFrom(ctx, from, pageSize)
		if err != nil {
			return n, fmt.Errorf("load commands from %d: %w", from, err)
		}
		if len(records) == 0 {
			return n, nil
		}
		for _, rec := range records {
			if err := replay(rec); err != nil {
				return n, fmt.Errorf("replay seq=%d: %w", rec.Sequence, err)
			}
			n++
			from = rec.Sequence + 1
		}
	}
}
