package heartbeat

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/schema"
	"github.com/tzeusy/butlers/internal/testutil"
)

func setup(t *testing.T) *sql.DB {
	t.Helper()
	dsn := testutil.SharedPostgresDSN(t)
	schemaName := testutil.NewSchema(t, dsn)

	mgr := schema.NewManager(dsn)
	require.NoError(t, mgr.RunChain(context.Background(), schema.Shared(), schemaName))

	db, err := sql.Open("pgx", testutil.AddSearchPath(dsn, schemaName))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAutoCreatesUnknownConnector(t *testing.T) {
	db := setup(t)
	store := New(db)

	err := store.Record(context.Background(), Beat{
		ConnectorType: "telegram-poll", EndpointIdentity: "bot-1", InstanceID: "i1",
		State: StateHealthy, Counters: map[string]int64{"messages_received": 5},
		SentAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	entry, err := store.Get(context.Background(), "telegram-poll", "bot-1")
	require.NoError(t, err)
	require.Equal(t, "i1", entry.InstanceID)
	require.Equal(t, StateHealthy, entry.State)
}

func TestRecordFoldsMonotonicDeltaIntoRollup(t *testing.T) {
	db := setup(t)
	store := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Record(ctx, Beat{
		ConnectorType: "imap-poll", EndpointIdentity: "inbox-1", InstanceID: "i1",
		State: StateHealthy, Counters: map[string]int64{"messages_received": 10, "messages_failed": 1}, SentAt: now,
	}))
	require.NoError(t, store.Record(ctx, Beat{
		ConnectorType: "imap-poll", EndpointIdentity: "inbox-1", InstanceID: "i1",
		State: StateHealthy, Counters: map[string]int64{"messages_received": 25, "messages_failed": 3}, SentAt: now.Add(2 * time.Minute),
	}))

	var received, failed int64
	err := db.QueryRowContext(ctx, `
		SELECT messages_received, messages_failed FROM connector_stats_rollup
		WHERE connector_type = 'imap-poll' AND endpoint_identity = 'inbox-1'
	`).Scan(&received, &failed)
	require.NoError(t, err)
	require.Equal(t, int64(25), received)
	require.Equal(t, int64(3), failed)
}

func TestRecordTreatsCounterResetAsFreshBaseline(t *testing.T) {
	db := setup(t)
	store := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Record(ctx, Beat{
		ConnectorType: "slack-poll", EndpointIdentity: "ws-1", InstanceID: "i1",
		State: StateHealthy, Counters: map[string]int64{"messages_received": 100}, SentAt: now,
	}))
	// Process restarted: new instance, counters reset to a small value.
	require.NoError(t, store.Record(ctx, Beat{
		ConnectorType: "slack-poll", EndpointIdentity: "ws-1", InstanceID: "i2",
		State: StateHealthy, Counters: map[string]int64{"messages_received": 4}, SentAt: now.Add(time.Minute),
	}))

	var received int64
	err := db.QueryRowContext(ctx, `
		SELECT messages_received FROM connector_stats_rollup
		WHERE connector_type = 'slack-poll' AND endpoint_identity = 'ws-1'
	`).Scan(&received)
	require.NoError(t, err)
	require.Equal(t, int64(104), received)
}

func TestRecordRejectsMissingIdentity(t *testing.T) {
	db := setup(t)
	store := New(db)
	err := store.Record(context.Background(), Beat{ConnectorType: "telegram-poll"})
	require.Error(t, err)
}

func TestSweepStaleMarksOldConnectorsError(t *testing.T) {
	db := setup(t)
	store := New(db)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Beat{
		ConnectorType: "gmail-poll", EndpointIdentity: "acct-1", InstanceID: "i1",
		State: StateHealthy, Counters: map[string]int64{}, SentAt: time.Now().UTC().Add(-10 * time.Minute),
	}))

	require.NoError(t, store.SweepStale(ctx, 5*time.Minute))

	entry, err := store.Get(ctx, "gmail-poll", "acct-1")
	require.NoError(t, err)
	require.Equal(t, StateError, entry.State)
}

func TestSweepStaleLeavesRecentConnectorsAlone(t *testing.T) {
	db := setup(t)
	store := New(db)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Beat{
		ConnectorType: "gmail-poll", EndpointIdentity: "acct-2", InstanceID: "i1",
		State: StateHealthy, Counters: map[string]int64{}, SentAt: time.Now().UTC(),
	}))

	require.NoError(t, store.SweepStale(ctx, 5*time.Minute))

	entry, err := store.Get(ctx, "gmail-poll", "acct-2")
	require.NoError(t, err)
	require.Equal(t, StateHealthy, entry.State)
}
