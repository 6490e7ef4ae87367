package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const sample = `
admins = ["a0000000-0000-0000-0000-000000000001"]

[[assets]]
symbol     = "WETH"
feed       = "eth-usd"
decimals   = 8
heartbeat  = "1h"
max_troves = 500
seed_price = "200000000000"

[[assets]]
symbol    = "WBTC"
feed      = "btc-usd"
decimals  = 8
heartbeat = "90s"
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cdp.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	require.Equal(t, []uuid.UUID{uuid.MustParse("a0000000-0000-0000-0000-000000000001")}, cfg.Admins)
	require.Len(t, cfg.Assets, 2)
	require.Equal(t, "WETH", cfg.Assets[0].Symbol)
	require.Equal(t, time.Hour, cfg.Assets[0].Heartbeat.Duration)
	require.Equal(t, 500, cfg.Assets[0].MaxTroves)
	require.Equal(t, 90*time.Second, cfg.Assets[1].Heartbeat.Duration)
	require.Equal(t, 50, cfg.PersistBatchSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CDP_PERSIST_BATCH_SIZE", "7")
	t.Setenv("CDP_KEEPER_INTERVAL", "3s")
	t.Setenv("CDP_SNAPSHOT_INTERVAL", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.PersistBatchSize)
	require.Equal(t, 3*time.Second, cfg.KeeperInterval)
	require.Equal(t, int64(10_000), cfg.SnapshotInterval)
}

func TestDefault_CommandAPIsBindLoopback(t *testing.T) {
	t.Setenv("CDP_GRPC_ADDR", "")
	t.Setenv("CDP_HTTP_ADDR", "")

	cfg := Default()
	require.Equal(t, "127.0.0.1:9090", cfg.GRPCAddr)
	require.Equal(t, "127.0.0.1:8080", cfg.HTTPAddr)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key": `bogus = 1`,
		"no admins": `
[[assets]]
symbol = "WETH"
feed = "eth-usd"
heartbeat = "1h"`,
		"duplicate symbol": `
admins = ["a0000000-0000-0000-0000-000000000001"]
[[assets]]
symbol = "WETH"
feed = "eth-usd"
heartbeat = "1h"
[[assets]]
symbol = "WETH"
feed = "eth-usd-2"
heartbeat = "1h"`,
		"wildcard feed": `
admins = ["a0000000-0000-0000-0000-000000000001"]
[[assets]]
symbol = "WETH"
feed = "eth.>"
heartbeat = "1h"`,
		"zero heartbeat": `
admins = ["a0000000-0000-0000-0000-000000000001"]
[[assets]]
symbol = "WETH"
feed = "eth-usd"`,
		"bad seed": `
admins = ["a0000000-0000-0000-0000-000000000001"]
[[assets]]
symbol = "WETH"
feed = "eth-usd"
heartbeat = "1h"
seed_price = "12.5"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.Error(t, err)
		})
	}
}

func TestBuildFeeds(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0).UTC()
	feeds := cfg.BuildFeeds(now)
	require.Equal(t, []string{"btc-usd", "eth-usd"}, feeds.Names())

	eth, ok := feeds.PushFeed("eth-usd")
	require.True(t, ok)
	round, err := eth.LatestRound(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), round.RoundID)
	require.Equal(t, now, round.UpdatedAt)

	btc, ok := feeds.PushFeed("btc-usd")
	require.True(t, ok)
	_, err = btc.LatestRound(context.Background())
	require.Error(t, err, "unseeded feed has no round")
}
