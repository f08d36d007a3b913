package spawner

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/corerr"
	"github.com/tzeusy/butlers/internal/credentials"
	"github.com/tzeusy/butlers/internal/runtime"
	"github.com/tzeusy/butlers/internal/schema"
	"github.com/tzeusy/butlers/internal/state"
	"github.com/tzeusy/butlers/internal/testutil"
)

type staticPrompts struct{ system, memory string }

func (p staticPrompts) Load(context.Context) (string, string, error) { return p.system, p.memory, nil }

func setup(t *testing.T) (*state.Store, *credentials.Store) {
	t.Helper()
	dsn := testutil.SharedPostgresDSN(t)
	schemaName := testutil.NewSchema(t, dsn)

	mgr := schema.NewManager(dsn)
	require.NoError(t, mgr.RunChain(context.Background(), schema.Shared(), schemaName))
	require.NoError(t, mgr.RunChain(context.Background(), schema.Butler(), schemaName))

	db, err := sql.Open("pgx", testutil.AddSearchPath(dsn, schemaName))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	credStore, err := credentials.New(db, make([]byte, 32), "BUTLER_")
	require.NoError(t, err)
	return state.New(db), credStore
}

func TestTriggerCompletesSessionOnSuccess(t *testing.T) {
	sessions, creds := setup(t)
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{OutputText: "done", Usage: runtime.Usage{InputTokens: 1, OutputTokens: 2}}}

	sp := New(Config{
		ButlerName:     "health",
		Adapter:        adapter,
		Sessions:       sessions,
		Credentials:    creds,
		Prompts:        staticPrompts{system: "you are health"},
		MCPEndpointURL: "http://localhost:9001/mcp",
		Timeout:        5 * time.Second,
	})

	sess, err := sp.Trigger(context.Background(), "log my weight", state.TriggerExternal, nil)
	require.NoError(t, err)
	require.Equal(t, state.SessionCompleted, sess.Status)
	require.Len(t, adapter.Calls, 1)
}

func TestTriggerRecordsErrorOnAdapterFailure(t *testing.T) {
	sessions, creds := setup(t)
	adapter := &runtime.Fake{Err: corerr.New(corerr.KindInternal, "boom", nil)}

	sp := New(Config{
		ButlerName:     "health",
		Adapter:        adapter,
		Sessions:       sessions,
		Credentials:    creds,
		Prompts:        staticPrompts{system: "you are health"},
		MCPEndpointURL: "http://localhost:9001/mcp",
		Timeout:        5 * time.Second,
	})

	_, err := sp.Trigger(context.Background(), "hi", state.TriggerExternal, nil)
	require.Error(t, err)

	list, err := sessions.ListForButler(context.Background(), "health", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, state.SessionError, list[0].Status)
}

func TestNestedTriggerRejectedWithoutDeadlock(t *testing.T) {
	sessions, creds := setup(t)
	release := make(chan struct{})
	adapter := &runtime.BlockingFake{Release: release}

	sp := New(Config{
		ButlerName:     "health",
		Adapter:        adapter,
		Sessions:       sessions,
		Credentials:    creds,
		Prompts:        staticPrompts{system: "you are health"},
		MCPEndpointURL: "http://localhost:9001/mcp",
		Timeout:        5 * time.Second,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = sp.Trigger(context.Background(), "outer", state.TriggerExternal, nil)
	}()

	time.Sleep(50 * time.Millisecond) // let the outer trigger acquire the lock

	_, err := sp.Trigger(context.Background(), "nested", state.TriggerTrigger, nil)
	require.Error(t, err)
	kind, ok := corerr.As(err)
	require.True(t, ok)
	require.Equal(t, corerr.KindOverloadRejected, kind)

	close(release)
	wg.Wait()
}

func TestMaxQueuedRejectsExcessCallers(t *testing.T) {
	sessions, creds := setup(t)
	release := make(chan struct{})
	adapter := &runtime.BlockingFake{Release: release}

	sp := New(Config{
		ButlerName:     "health",
		Adapter:        adapter,
		Sessions:       sessions,
		Credentials:    creds,
		Prompts:        staticPrompts{system: "you are health"},
		MCPEndpointURL: "http://localhost:9001/mcp",
		Timeout:        5 * time.Second,
		MaxQueued:      1,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = sp.Trigger(context.Background(), "outer", state.TriggerExternal, nil)
	}()
	time.Sleep(50 * time.Millisecond)

	var rejected int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sp.Trigger(context.Background(), "queued", state.TriggerExternal, nil)
			if err != nil {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.GreaterOrEqual(t, rejected, int32(1))
}
