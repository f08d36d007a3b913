package fanout

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/corerr"
	"github.com/tzeusy/butlers/internal/router"
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

func insertInboxRow(t *testing.T, db *sql.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.Exec(`
		INSERT INTO message_inbox (request_id, dedupe_key, channel, provider, endpoint_identity, sender_identity, content_type, body, sent_at)
		VALUES ($1,$2,'telegram','telegram','bot','user','text/plain','hi', now())
	`, id, id.String())
	require.NoError(t, err)
	return id
}

// fakeRouter lets tests script per-butler outcomes without a real HTTP
// target.
type fakeRouter struct {
	mu       sync.Mutex
	outcomes map[string]error // butler -> error to return (nil = success)
	calls    []string
	block    map[string]chan struct{} // butler -> channel closed to unblock Invoke
}

func (f *fakeRouter) Invoke(ctx context.Context, callerIdentity, targetButler, toolName string, args json.RawMessage, sessionID string) (*router.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, targetButler)
	block := f.block[targetButler]
	err := f.outcomes[targetButler]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &router.ToolResult{Result: json.RawMessage(`{"ok":true}`)}, nil
}

func TestExecuteParallelAllSucceed(t *testing.T) {
	db := setup(t)
	reqID := insertInboxRow(t, db)

	plan, err := BuildPlan(reqID, entries("health", "calendar"), Hints{})
	require.NoError(t, err)

	rtr := &fakeRouter{outcomes: map[string]error{}}
	d := New(db, rtr, Config{})

	result, err := d.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, "completed", result.FinalStatus)
	for _, r := range result.Results {
		require.Equal(t, StatusSuccess, r.Status)
	}

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM routing_log WHERE request_id = $1`, reqID).Scan(&count))
	require.Equal(t, 2, count)

	var routingResults []byte
	require.NoError(t, db.QueryRow(`SELECT routing_results FROM message_inbox WHERE request_id = $1`, reqID).Scan(&routingResults))
	require.Contains(t, string(routingResults), "completed")
}

func TestExecuteOrderedGatesOnRunIfSuccess(t *testing.T) {
	db := setup(t)
	reqID := insertInboxRow(t, db)

	plan, err := BuildPlan(reqID, entries("health", "calendar"), Hints{
		Mode: ModeOrdered,
		PerButler: map[string]SubrequestHint{
			"calendar": {DependsOn: []string{reqID.String() + "-0"}, RunIf: RunIfSuccess},
		},
	})
	require.NoError(t, err)

	rtr := &fakeRouter{outcomes: map[string]error{
		"health": corerr.New(corerr.KindTargetUnavailable, "down", nil),
	}}
	d := New(db, rtr, Config{})

	result, err := d.Execute(context.Background(), plan)
	require.NoError(t, err)

	statusByButler := map[string]Status{}
	for _, r := range result.Results {
		statusByButler[r.Subrequest.Butler] = r.Status
	}
	require.Equal(t, StatusFailed, statusByButler["health"])
	require.Equal(t, StatusSkipped, statusByButler["calendar"])
}

func TestExecuteOnAnyFailureAbortsRemaining(t *testing.T) {
	db := setup(t)
	reqID := insertInboxRow(t, db)

	plan, err := BuildPlan(reqID, entries("health", "calendar"), Hints{
		Mode:        ModeOrdered,
		AbortPolicy: AbortOnAnyFailure,
		PerButler: map[string]SubrequestHint{
			"calendar": {DependsOn: []string{reqID.String() + "-0"}, RunIf: RunIfAlways},
		},
	})
	require.NoError(t, err)

	rtr := &fakeRouter{outcomes: map[string]error{
		"health": corerr.New(corerr.KindTargetUnavailable, "down", nil),
	}}
	d := New(db, rtr, Config{})

	result, err := d.Execute(context.Background(), plan)
	require.NoError(t, err)

	statusByButler := map[string]Status{}
	for _, r := range result.Results {
		statusByButler[r.Subrequest.Butler] = r.Status
	}
	require.Equal(t, StatusFailed, statusByButler["health"])
	require.Equal(t, StatusCancelled, statusByButler["calendar"])
	require.Equal(t, "failed", result.FinalStatus)
}

// TestFirstSuccessPrecedesOnAnyFailure pins the binding decision: when the
// join policy is first_success, a sibling subrequest's failure must not
// abort the plan, and any subrequest still in flight when the winner
// completes is recorded as cancelled rather than failed.
func TestFirstSuccessPrecedesOnAnyFailure(t *testing.T) {
	db := setup(t)
	reqID := insertInboxRow(t, db)

	plan, err := BuildPlan(reqID, entries("health", "calendar", "reminders"), Hints{
		Mode:        ModeParallel,
		JoinPolicy:  JoinFirstSuccess,
		AbortPolicy: AbortOnAnyFailure,
	})
	require.NoError(t, err)

	blocked := make(chan struct{})
	rtr := &fakeRouter{
		outcomes: map[string]error{
			"health": corerr.New(corerr.KindTargetUnavailable, "down", nil),
		},
		block: map[string]chan struct{}{"reminders": blocked},
	}
	d := New(db, rtr, Config{})

	result, err := d.Execute(context.Background(), plan)
	require.NoError(t, err)

	statusByButler := map[string]Status{}
	for _, r := range result.Results {
		statusByButler[r.Subrequest.Butler] = r.Status
	}
	require.Equal(t, StatusFailed, statusByButler["health"])
	require.Equal(t, StatusSuccess, statusByButler["calendar"])
	require.Equal(t, StatusCancelled, statusByButler["reminders"])
	require.Equal(t, "completed", result.FinalStatus)
}
