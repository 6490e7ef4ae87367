package persistence

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPostgres_WorkerWritesCommandLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, NewMigrator(db, testutil.MigrationsDir(t), zerolog.Nop()).Up(ctx))

	in := make(chan core.CoreOutput, 1)
	w := NewWorker(db, in, 10, 10*time.Millisecond, nil, zerolog.Nop())
	out := fundOutput(t)
	in <- out
	close(in)
	require.NoError(t, w.Run(ctx))

	sm := NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), latest)

	records, err := sm.LoadCommandsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, out.Record.Request.ID, records[0].Request.ID)
	require.Equal(t, out.Record.StateHash, records[0].StateHash)

	checker := NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(out.Record.Request.ID)
	require.NoError(t, err)
	require.True(t, dup)
	dup, err = checker.IsDuplicate(uuid.New())
	require.NoError(t, err)
	require.False(t, dup)
}

func TestPostgres_SnapshotRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, NewMigrator(db, testutil.MigrationsDir(t), zerolog.Nop()).Up(ctx))

	engine := core.NewEngine(core.Config{})
	snap := engine.CreateSnapshotState()
	snap.Sequence = 41

	sm := NewSnapshotManager(db)
	_, err := sm.SaveSnapshot(ctx, snap, time.Now())
	require.NoError(t, err)

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded, "unverified snapshots are not loaded")

	require.NoError(t, sm.MarkVerified(ctx, 41))
	loaded, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, int64(41), loaded.Sequence)
	require.Equal(t, snap.StateHash, loaded.StateHash)
}
