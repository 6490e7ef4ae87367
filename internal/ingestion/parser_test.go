package ingestion_test

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func rawFromJSON(t *testing.T, kind ingestion.MessageKind, subject string, v interface{}) ingestion.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawMessage{
		Kind:      kind,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// ============================================================================
// Price rounds
// ============================================================================

func TestParsePriceRound(t *testing.T) {
	raw := rawFromJSON(t, ingestion.KindPriceRound, "cdp.prices.eth-usd", map[string]interface{}{
		"round_id":     uint64(42),
		"answer":       "200000000000",
		"timestamp_us": int64(1_700_000_000_000_000),
	})

	pr, err := ingestion.ParsePriceRound(raw)
	require.NoError(t, err)
	require.Equal(t, "eth-usd", pr.Feed)
	require.Equal(t, uint64(42), pr.Round.RoundID)
	require.True(t, pr.Round.Answer.Eq(fpmath.FromRaw(200_000_000_000)))
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), pr.Round.UpdatedAt)
}

func TestParsePriceRound_FeedInPayloadWins(t *testing.T) {
	raw := rawFromJSON(t, ingestion.KindPriceRound, "cdp.prices.other", map[string]interface{}{
		"feed":         "btc-usd",
		"round_id":     uint64(1),
		"answer":       "1",
		"timestamp_us": int64(1),
	})

	pr, err := ingestion.ParsePriceRound(raw)
	require.NoError(t, err)
	require.Equal(t, "btc-usd", pr.Feed)
}

func TestParsePriceRound_Malformed(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"zero round":    {"round_id": 0, "answer": "1", "timestamp_us": 1},
		"no timestamp":  {"round_id": 1, "answer": "1"},
		"bad answer":    {"round_id": 1, "answer": "-5", "timestamp_us": 1},
		"empty answer":  {"round_id": 1, "answer": "", "timestamp_us": 1},
		"wildcard feed": {"feed": "eth.*", "round_id": 1, "answer": "1", "timestamp_us": 1},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			raw := rawFromJSON(t, ingestion.KindPriceRound, "cdp.prices.eth-usd", payload)
			_, err := ingestion.ParsePriceRound(raw)
			require.ErrorIs(t, err, ingestion.ErrMalformed)
		})
	}
}

// ============================================================================
// Commands
// ============================================================================

func TestParseCommand_OpenTrove(t *testing.T) {
	id := uuid.New()
	caller := uuid.New()
	payload := map[string]interface{}{
		"id":     id.String(),
		"caller": caller.String(),
		"nonce":  int64(4),
		"type":   "open_trove",
		"payload": map[string]interface{}{
			"asset":   "WETH",
			"max_fee": "50000000000000000",
			"coll":    "10000000000000000000",
			"debt":    "10000000000000000000000",
		},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := ingestion.ParseCommand(data)
	require.NoError(t, err)
	require.Equal(t, id, req.ID)
	require.Equal(t, caller, req.Caller)
	require.Equal(t, int64(4), req.Nonce)

	open, ok := req.Command.(*core.OpenTrove)
	require.True(t, ok, "got %T", req.Command)
	require.Equal(t, "WETH", open.Asset)
	require.True(t, open.Coll.Eq(fpmath.Units(10)))
	require.True(t, open.Debt.Eq(fpmath.Units(10_000)))
	require.True(t, open.MaxFee.Eq(fpmath.Percent(5)))
}

func TestParseCommand_Rejects(t *testing.T) {
	caller := uuid.New().String()
	cases := map[string]string{
		"not json":     `{`,
		"unknown type": fmt.Sprintf(`{"id":%q,"caller":%q,"nonce":0,"type":"mint_money"}`, uuid.New(), caller),
		"missing id":   fmt.Sprintf(`{"caller":%q,"nonce":0,"type":"refresh_price","payload":{"asset":"WETH"}}`, caller),
		"negative":     fmt.Sprintf(`{"id":%q,"caller":%q,"nonce":-1,"type":"refresh_price","payload":{"asset":"WETH"}}`, uuid.New(), caller),
		"huge debt": fmt.Sprintf(`{"id":%q,"caller":%q,"nonce":0,"type":"open_trove","payload":{"asset":"WETH","max_fee":"0","coll":"1","debt":%q}}`,
			uuid.New(), caller, "115792089237316195423570985008687907853269984665640564039457584007913129639935"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestion.ParseCommand([]byte(data))
			require.ErrorIs(t, err, ingestion.ErrMalformed)
		})
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

type fakeSubmitter struct {
	reqs []core.Request
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req core.Request) (core.Result, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return core.Result{}, f.err
	}
	return core.Result{Sequence: int64(len(f.reqs))}, nil
}

func newDispatcher(feeds *oracle.FeedRegistry, sub ingestion.Submitter) *ingestion.Dispatcher {
	return ingestion.NewDispatcher(feeds, sub, nil, nil, zerolog.Nop())
}

func TestDispatcher_PushesPriceRounds(t *testing.T) {
	feeds := oracle.NewFeedRegistry()
	feed := oracle.NewPushFeed("eth-usd", 8)
	feeds.Add(feed)
	d := newDispatcher(feeds, &fakeSubmitter{})

	round := func(id uint64, answer string) ingestion.RawMessage {
		return rawFromJSON(t, ingestion.KindPriceRound, "cdp.prices.eth-usd", map[string]interface{}{
			"round_id": id, "answer": answer, "timestamp_us": int64(1_700_000_000_000_000),
		})
	}

	require.True(t, d.Handle(context.Background(), round(2, "200000000000")))
	require.True(t, d.Handle(context.Background(), round(1, "100000000000")), "stale rounds are acked and ignored")

	got, err := feed.LatestRound(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.RoundID)

	unknown := rawFromJSON(t, ingestion.KindPriceRound, "cdp.prices.doge-usd", map[string]interface{}{
		"round_id": 1, "answer": "1", "timestamp_us": 1,
	})
	require.True(t, d.Handle(context.Background(), unknown))
}

func TestDispatcher_CommandAckPolicy(t *testing.T) {
	data, err := json.Marshal(core.Request{
		ID:      uuid.New(),
		Caller:  uuid.New(),
		Command: &core.RefreshPrice{Asset: "WETH"},
	})
	require.NoError(t, err)
	msg := ingestion.RawMessage{Kind: ingestion.KindCommand, Subject: "cdp.commands.x", Data: data}

	sub := &fakeSubmitter{}
	d := newDispatcher(oracle.NewFeedRegistry(), sub)
	require.True(t, d.Handle(context.Background(), msg))
	require.Len(t, sub.reqs, 1)

	sub.err = fmt.Errorf("wrapped: %w", core.ErrNonceGap)
	require.False(t, d.Handle(context.Background(), msg), "nonce gaps are redelivered")

	sub.err = errors.New("trove: trove does not exist")
	require.True(t, d.Handle(context.Background(), msg), "terminal rejections are acked")
}

func TestRetryable(t *testing.T) {
	require.True(t, ingestion.Retryable(core.ErrRunnerStopped))
	require.True(t, ingestion.Retryable(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	require.False(t, ingestion.Retryable(core.ErrNonceOutOfOrder))
}

// ============================================================================
// Outbound
// ============================================================================

func TestOutbound_SubjectsAndIDs(t *testing.T) {
	owner := uuid.New()
	env := &event.EventEnvelope{
		Sequence:       12,
		IdempotencyKey: "k",
		CommandType:    "open_trove",
		Events: []event.Event{
			&event.TroveUpdated{Borrower: owner, Asset: "WETH", Operation: event.OpOpenTrove},
			&event.DebtTransferred{From: owner, To: uuid.New(), Amount: fpmath.Units(1)},
		},
		StateHash: [32]byte{0xab},
	}

	msgs, err := ingestion.Outbound(env)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Equal(t, "cdp.ledger.events.TroveUpdated.WETH", msgs[0].Subject())
	require.Equal(t, "cdp.ledger.events.DebtTransferred", msgs[1].Subject())
	require.Equal(t, "12-0", msgs[0].MsgID())
	require.Equal(t, "12-1", msgs[1].MsgID())
	require.Equal(t, "open_trove", msgs[1].CommandType)
	require.Equal(t, "ab00000000000000000000000000000000000000000000000000000000000000", msgs[0].StateHash)
}
