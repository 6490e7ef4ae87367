package ingestion_test

import (
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/testutil"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNATS_PriceRoundReachesFeed(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))

	feed := oracle.NewPushFeed("eth-usd", 8)
	feeds := oracle.NewFeedRegistry()
	feeds.Add(feed)

	msgs := make(chan ingestion.RawMessage, 16)
	consumer := "test-prices-" + uuid.NewString()
	sub := ingestion.NewNATSSubscriber(js, msgs, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      ingestion.PriceSubjectPrefix + "eth-usd",
		Kind:         ingestion.KindPriceRound,
		ConsumerName: consumer,
		StreamName:   ingestion.StreamPrices,
	}}))
	defer func() {
		sub.Stop()
		_ = js.DeleteConsumer(context.Background(), ingestion.StreamPrices, consumer)
	}()

	d := ingestion.NewDispatcher(feeds, &fakeSubmitter{}, msgs, nil, zerolog.Nop())
	go func() { _ = d.Run(ctx) }()

	// Earlier runs left rounds in the stream; a fresh id supersedes them.
	roundID := uint64(time.Now().UnixNano())
	data, err := json.Marshal(map[string]interface{}{
		"round_id":     roundID,
		"answer":       "200000000000",
		"timestamp_us": time.Now().UnixMicro(),
	})
	require.NoError(t, err)
	_, err = js.Publish(ctx, ingestion.PriceSubjectPrefix+"eth-usd", data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := feed.LatestRound(ctx)
		return err == nil && r.RoundID == roundID
	}, 10*time.Second, 50*time.Millisecond)
}
