package ingestion

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Submitter accepts commands for the engine. *core.Runner implements it.
type Submitter interface {
	Submit(ctx context.Context, req core.Request) (core.Result, error)
}

// Dispatcher routes inbound messages: price rounds go to the push feeds,
// commands go to the engine through the submitter.
type Dispatcher struct {
	feeds     *oracle.FeedRegistry
	submitter Submitter
	inputChan <-chan RawMessage
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDispatcher(
	feeds *oracle.FeedRegistry,
	submitter Submitter,
	inputChan <-chan RawMessage,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		feeds:     feeds,
		submitter: submitter,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run handles messages until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.inputChan:
			if !ok {
				return nil
			}
			if d.Handle(ctx, raw) {
				ack(raw)
			} else {
				nak(raw)
			}
		}
	}
}

// Handle processes one message and reports whether it should be ACKed.
// Malformed messages and terminal rejections are ACKed so they are not
// redelivered forever; only retryable failures are NAKed.
func (d *Dispatcher) Handle(ctx context.Context, raw RawMessage) bool {
	switch raw.Kind {
	case KindPriceRound:
		return d.handlePrice(raw)
	case KindCommand:
		return d.handleCommand(ctx, raw)
	default:
		d.logger.Warn().Str("subject", raw.Subject).Str("kind", string(raw.Kind)).Msg("unknown message kind")
		return true
	}
}

func (d *Dispatcher) handlePrice(raw RawMessage) bool {
	pr, err := ParsePriceRound(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping price round")
		d.countRound("unknown", "malformed")
		return true
	}

	feed, ok := d.feeds.PushFeed(pr.Feed)
	if !ok {
		d.logger.Warn().Str("feed", pr.Feed).Msg("price round for unknown feed")
		d.countRound(pr.Feed, "unknown_feed")
		return true
	}

	if feed.Push(pr.Round) {
		d.countRound(pr.Feed, "accepted")
	} else {
		d.countRound(pr.Feed, "ignored")
	}
	return true
}

func (d *Dispatcher) handleCommand(ctx context.Context, raw RawMessage) bool {
	req, err := ParseCommand(raw.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping command")
		return true
	}

	res, err := d.submitter.Submit(ctx, req)
	if err != nil {
		if Retryable(err) {
			d.logger.Debug().Err(err).Str("id", req.ID.String()).Msg("command deferred")
			return false
		}
		logRejection(d.logger, req, err)
		return true
	}

	d.logger.Debug().
		Str("id", req.ID.String()).
		Int64("seq", res.Sequence).
		Bool("duplicate", res.Duplicate).
		Msg("command handled")
	return true
}

// Retryable reports whether a failed submit may succeed on redelivery:
// a nonce gap (an earlier command has not arrived yet), a busy or stopped
// engine, or a cancelled context.
func Retryable(err error) bool {
	return errors.Is(err, core.ErrNonceGap) ||
		errors.Is(err, core.ErrReentrantCall) ||
		errors.Is(err, core.ErrRunnerStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func logRejection(logger zerolog.Logger, req core.Request, err error) {
	logger.Info().
		Err(err).
		Str("id", req.ID.String()).
		Str("caller", req.Caller.String()).
		Str("command", string(req.Command.CommandType())).
		Msg("command rejected")
}

func (d *Dispatcher) countRound(feed, result string) {
	if d.metrics != nil {
		d.metrics.PriceRounds.WithLabelValues(feed, result).Inc()
	}
}

func ack(raw RawMessage) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawMessage) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
