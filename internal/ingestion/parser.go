package ingestion

import (
	"TroveLedger/internal/core"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageKind discriminates inbound NATS messages.
type MessageKind string

const (
	KindPriceRound MessageKind = "PriceRound"
	KindCommand    MessageKind = "Command"
)

var ErrMalformed = errors.New("ingestion: malformed message")

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

// priceRoundJSON is a feed round as published by the price relayer. Answer
// is a base-10 integer in the feed's own decimals.
type priceRoundJSON struct {
	Feed        string `json:"feed"`
	RoundID     uint64 `json:"round_id"`
	Answer      string `json:"answer"`
	TimestampUs int64  `json:"timestamp_us"`
}

// PriceRound is a parsed round addressed to a named feed.
type PriceRound struct {
	Feed  string
	Round oracle.Round
}

// ParsePriceRound decodes a price round. The feed name defaults to the last
// token of the subject (cdp.prices.<feed>).
func ParsePriceRound(raw RawMessage) (PriceRound, error) {
	var j priceRoundJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return PriceRound{}, fmt.Errorf("%w: parse price round: %v", ErrMalformed, err)
	}

	feed := j.Feed
	if feed == "" {
		feed = strings.TrimPrefix(raw.Subject, PriceSubjectPrefix)
	}
	if feed == "" || strings.ContainsAny(feed, ".*>") {
		return PriceRound{}, fmt.Errorf("%w: missing feed name (subject %q)", ErrMalformed, raw.Subject)
	}
	if j.RoundID == 0 {
		return PriceRound{}, fmt.Errorf("%w: round_id must be positive", ErrMalformed)
	}
	if j.TimestampUs <= 0 {
		return PriceRound{}, fmt.Errorf("%w: timestamp_us must be positive", ErrMalformed)
	}
	answer, err := fpmath.ParseRaw(j.Answer)
	if err != nil {
		return PriceRound{}, fmt.Errorf("%w: parse answer: %v", ErrMalformed, err)
	}

	return PriceRound{
		Feed: feed,
		Round: oracle.Round{
			RoundID:   j.RoundID,
			Answer:    answer,
			UpdatedAt: time.UnixMicro(j.TimestampUs).UTC(),
		},
	}, nil
}

// ParseCommand decodes a command request. The payload is the engine's own
// request wire form: {"id", "caller", "nonce", "type", "payload"}.
func ParseCommand(data []byte) (core.Request, error) {
	var req core.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return core.Request{}, fmt.Errorf("%w: parse command: %v", ErrMalformed, err)
	}
	if err := ValidateRequest(req); err != nil {
		return core.Request{}, err
	}
	return req, nil
}

// ValidateRequest checks the envelope fields every command needs.
func ValidateRequest(req core.Request) error {
	if req.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrMalformed)
	}
	if req.Caller == uuid.Nil {
		return fmt.Errorf("%w: caller is required", ErrMalformed)
	}
	if req.Nonce < 0 {
		return fmt.Errorf("%w: nonce must be non-negative", ErrMalformed)
	}
	if req.Command == nil {
		return fmt.Errorf("%w: command payload is required", ErrMalformed)
	}
	if err := core.ValidateAmounts(req.Command); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
