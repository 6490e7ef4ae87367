package event

import (
	"TroveLedger/internal/txn"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTroveUpdated
	EventTypeTroveLiquidated
	EventTypeRedistribution
	EventTypeRedistributionSkipped
	EventTypeLiquidationSummary
	EventTypeOracleRegistered
	EventTypeOracleFrozen
	EventTypeOracleUnfrozen
	EventTypeLastGoodPriceUpdated
	EventTypeOffset
	EventTypeDepositUpdated
	EventTypeCollateralGainClaimed
	EventTypePoolEpochUpdated
	EventTypePoolScaleUpdated
	EventTypeBorrowingFeePaid
	EventTypeBaseRateUpdated
	EventTypeWalletFunded
	EventTypeWalletWithdrawn
	EventTypeDebtTransferred
)

// EventEnvelope wraps the events of one committed top-level call
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Call id; equals the command id for submitted commands
	IdempotencyKey string

	// Command that produced the call
	CommandType string
	Caller      uuid.UUID

	// Call time (NOT wall-clock at persistence time)
	Timestamp time.Time

	// Outbound events in emission order
	Events []Event

	// SHA-256 of state AFTER applying this call
	StateHash [32]byte

	// Previous call's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// AssetID returns the collateral asset context ("" for global events)
	AssetID() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeTroveUpdated:
		return "TroveUpdated"
	case EventTypeTroveLiquidated:
		return "TroveLiquidated"
	case EventTypeRedistribution:
		return "Redistribution"
	case EventTypeRedistributionSkipped:
		return "RedistributionSkipped"
	case EventTypeLiquidationSummary:
		return "LiquidationSummary"
	case EventTypeOracleRegistered:
		return "OracleRegistered"
	case EventTypeOracleFrozen:
		return "OracleFrozen"
	case EventTypeOracleUnfrozen:
		return "OracleUnfrozen"
	case EventTypeLastGoodPriceUpdated:
		return "LastGoodPriceUpdated"
	case EventTypeOffset:
		return "Offset"
	case EventTypeDepositUpdated:
		return "DepositUpdated"
	case EventTypeCollateralGainClaimed:
		return "CollateralGainClaimed"
	case EventTypePoolEpochUpdated:
		return "PoolEpochUpdated"
	case EventTypePoolScaleUpdated:
		return "PoolScaleUpdated"
	case EventTypeBorrowingFeePaid:
		return "BorrowingFeePaid"
	case EventTypeBaseRateUpdated:
		return "BaseRateUpdated"
	case EventTypeWalletFunded:
		return "WalletFunded"
	case EventTypeWalletWithdrawn:
		return "WalletWithdrawn"
	case EventTypeDebtTransferred:
		return "DebtTransferred"
	default:
		return "Unknown"
	}
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

// Typed is the wire form of an event: discriminator plus JSON payload.
type Typed struct {
	Type    string          `json:"type"`
	Asset   string          `json:"asset,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Encode converts an event to its wire form.
func Encode(evt Event) (Typed, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return Typed{}, err
	}
	return Typed{
		Type:    evt.EventType().String(),
		Asset:   evt.AssetID(),
		Payload: data,
	}, nil
}

// Emitter receives events from the components during a call.
type Emitter interface {
	Emit(evt Event)
}

// Buffer holds events until the call commits. Emits are journaled so a revert
// to an inner snapshot also drops the events emitted after it.
type Buffer struct {
	journal *txn.Journal
	events  []Event
}

func NewBuffer(journal *txn.Journal) *Buffer {
	return &Buffer{journal: journal}
}

func (b *Buffer) Emit(evt Event) {
	n := len(b.events)
	b.events = append(b.events, evt)
	b.journal.Record(func() {
		b.events = b.events[:n]
	})
}

// Drain returns the buffered events and empties the buffer.
func (b *Buffer) Drain() []Event {
	out := b.events
	b.events = nil
	return out
}

// Discard empties the buffer without returning the events.
func (b *Buffer) Discard() {
	b.events = nil
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	return len(b.events)
}
