package ingestion

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes committed events to NATS for downstream
// consumers, one message per event.
// Subjects follow the pattern: cdp.ledger.events.{event_type}[.{asset}]
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of one event.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	Index          int             `json:"index"`
	EventType      string          `json:"event_type"`
	Asset          string          `json:"asset,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CommandType    string          `json:"command_type"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}

			msgs, err := Outbound(out.Envelope)
			if err != nil {
				op.logger.Error().Err(err).Int64("seq", out.Envelope.Sequence).Msg("encode outbound events")
				continue
			}
			for _, m := range msgs {
				if err := op.publish(ctx, m); err != nil {
					// Non-fatal: downstream consumers can read the event log directly
					op.logger.Warn().Err(err).Int64("seq", m.Sequence).Str("type", m.EventType).Msg("outbound publish failed")
					if op.metrics != nil {
						op.metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}

// Outbound converts an envelope into its outbound messages.
func Outbound(env *event.EventEnvelope) ([]PublishableEvent, error) {
	msgs := make([]PublishableEvent, 0, len(env.Events))
	for i, evt := range env.Events {
		typed, err := event.Encode(evt)
		if err != nil {
			return nil, fmt.Errorf("encode event %d: %w", i, err)
		}
		msgs = append(msgs, PublishableEvent{
			Sequence:       env.Sequence,
			Index:          i,
			EventType:      typed.Type,
			Asset:          typed.Asset,
			IdempotencyKey: env.IdempotencyKey,
			CommandType:    env.CommandType,
			Payload:        typed.Payload,
			StateHash:      hex.EncodeToString(env.StateHash[:]),
			Timestamp:      env.Timestamp,
		})
	}
	return msgs, nil
}

// Subject returns the NATS subject of an outbound event.
func (e PublishableEvent) Subject() string {
	subject := EventSubjectPrefix + e.EventType
	if e.Asset != "" {
		subject += "." + e.Asset
	}
	return subject
}

// MsgID is the JetStream deduplication id; a republished event is dropped
// by the stream.
func (e PublishableEvent) MsgID() string {
	return fmt.Sprintf("%d-%d", e.Sequence, e.Index)
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.MsgID()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamEvents,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", StreamEvents).Msg("ensured outbound stream")
	return nil
}
