package core

import (
	"TroveLedger/internal/gateway"
	"TroveLedger/internal/ledger"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/pool"
	"TroveLedger/internal/sorted"
	"TroveLedger/internal/trove"
	"fmt"
)

// SnapshotState holds the serializable in-memory state for restore.
// Sequence is the last committed sequence; replay resumes at Sequence+1.
type SnapshotState struct {
	Sequence        int64            `json:"sequence"`
	StateHash       [32]byte         `json:"state_hash"`
	Book            ledger.BookState `json:"book"`
	Oracle          oracle.State     `json:"oracle"`
	Index           sorted.State     `json:"index"`
	Troves          trove.State      `json:"troves"`
	Pool            pool.State       `json:"pool"`
	Gateway         gateway.State    `json:"gateway"`
	Nonces          map[string]int64 `json:"nonces"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
// Only valid between calls.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.chain.Tip(),
		Book:            e.book.Tracker().Snapshot(),
		Oracle:          e.oracle.Snapshot(),
		Index:           e.index.Snapshot(),
		Troves:          e.troves.Snapshot(),
		Pool:            e.pool.Snapshot(),
		Gateway:         e.gateway.Snapshot(),
		Nonces:          e.nonces.Partitions(),
		IdempotencyKeys: e.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot restores the engine's in-memory state from a snapshot.
// On warm restart: load latest snapshot then replay the command log after it.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := e.book.Tracker().Restore(snap.Book); err != nil {
		return fmt.Errorf("restore book: %w", err)
	}
	if err := e.oracle.Restore(snap.Oracle, e.feeds); err != nil {
		return err
	}
	if err := e.index.Restore(snap.Index); err != nil {
		return err
	}
	e.troves.Restore(snap.Troves)
	e.pool.Restore(snap.Pool)
	e.gateway.Restore(snap.Gateway)

	for partition, next := range snap.Nonces {
		e.nonces.SetExpectedSequence(partition, next)
	}
	e.WarmLRU(snap.IdempotencyKeys)

	e.sequence = snap.Sequence + 1
	e.chain.Resume(snap.StateHash)

	if err := e.CheckGlobalInvariants(); err != nil {
		return fmt.Errorf("restored state: %w", err)
	}
	return e.postCheckInvariants()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}
