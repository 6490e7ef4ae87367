package core

import (
	"TroveLedger/internal/observability"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNonceGap        = errors.New("core: nonce gap")
	ErrNonceOutOfOrder = errors.New("core: nonce already used")
)

// noncePartition is the sequence partition of one caller.
func noncePartition(caller uuid.UUID) string {
	return "caller:" + caller.String()
}

// SequenceValidator enforces a gap-free nonce per caller. Checking and
// advancing are separate so a rejected command does not consume its nonce.
// Not thread-safe; only accessed from the single-threaded engine.
type SequenceValidator struct {
	expectedNext map[string]int64 // partition -> next expected nonce
	metrics      *SequenceMetrics
	prom         *observability.Metrics
}

func NewSequenceValidator(prom *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNext: make(map[string]int64),
		metrics:      NewSequenceMetrics(),
		prom:         prom,
	}
}

// Check verifies nonce is the partition's next expected value without advancing.
func (sv *SequenceValidator) Check(partition string, nonce int64) error {
	expected := sv.expectedNext[partition]

	if nonce < expected {
		sv.metrics.RecordOutOfOrder(partition)
		if sv.prom != nil {
			sv.prom.NonceOutOfOrder.Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrNonceOutOfOrder, partition, expected, nonce)
	}

	if nonce > expected {
		sv.metrics.RecordGap(partition)
		if sv.prom != nil {
			sv.prom.NonceGaps.Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrNonceGap, partition, expected, nonce)
	}

	return nil
}

// Advance marks nonce as consumed. Called once the command has committed.
func (sv *SequenceValidator) Advance(partition string, nonce int64) {
	sv.expectedNext[partition] = nonce + 1
}

// GetExpectedSequence returns next expected nonce for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNext[partition]
}

// SetExpectedSequence initializes expected nonce (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNext[partition] = seq
}

// Partitions returns every partition with its next expected nonce.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNext))
	for p, n := range sv.expectedNext {
		out[p] = n
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks nonce validation stats.
// Not thread-safe; only accessed from the single-threaded engine.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> reuse count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}
