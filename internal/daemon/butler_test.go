package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/notify"
	"github.com/tzeusy/butlers/internal/runtime"
	"github.com/tzeusy/butlers/internal/testutil"
)

type staticPrompts struct{ system string }

func (p staticPrompts) Load(context.Context) (string, string, error) { return p.system, "", nil }

func freshDSNAndSchema(t *testing.T) (string, string) {
	t.Helper()
	dsn := testutil.SharedPostgresDSN(t)
	schemaName := testutil.NewSchema(t, dsn)
	return dsn, schemaName
}

func newTestButler(t *testing.T, adapter runtime.Adapter, isMessenger bool) *ButlerDaemon {
	t.Helper()
	dsn, schemaName := freshDSNAndSchema(t)

	ln, err := netListen(t)
	require.NoError(t, err)

	var notifier *notify.Notifier
	if isMessenger {
		notifier = notify.New(map[string]notify.Sender{}, notify.Config{})
	}

	d, err := NewButler(context.Background(), ButlerConfig{
		Name:           schemaName,
		DSN:            dsn,
		ListenAddr:     ln,
		MasterKey:      make([]byte, 32),
		EnvPrefix:      "BUTLER_",
		RuntimeAdapter: adapter,
		Prompts:        staticPrompts{system: "you are a test butler"},
		InvokeTimeout:  5 * time.Second,
		IsMessenger:    isMessenger,
		Notifier:       notifier,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown(context.Background()) })
	return d
}

// netListen returns a port-0 loopback address for a ButlerDaemon under
// test. The tests drive d.listener.engine directly and never call Start, so
// nothing binds it.
func netListen(t *testing.T) (string, error) {
	t.Helper()
	return "127.0.0.1:0", nil
}

func TestHandleToolCallRunsTrigger(t *testing.T) {
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{OutputText: "done"}}
	d := newTestButler(t, adapter, false)

	body, _ := json.Marshal(toolCallRequest{Tool: "trigger", Args: json.RawMessage(`{"prompt":"do the thing"}`)})
	req := httptest.NewRequest(http.MethodPost, "/tools/call", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	d.listener.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp toolCallResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Error)
	require.False(t, resp.UnknownTool)
	require.Len(t, adapter.Calls, 1)
}

func TestHandleToolCallUnknownTool(t *testing.T) {
	d := newTestButler(t, &runtime.Fake{Result: &runtime.InvokeResult{OutputText: "done"}}, false)

	body, _ := json.Marshal(toolCallRequest{Tool: "does_not_exist", Args: json.RawMessage(`{}`)})
	req := httptest.NewRequest(http.MethodPost, "/tools/call", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	d.listener.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp toolCallResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.UnknownTool)
}

func TestHandleToolCallTickFiresScheduler(t *testing.T) {
	d := newTestButler(t, &runtime.Fake{Result: &runtime.InvokeResult{OutputText: "done"}}, false)

	body, _ := json.Marshal(toolCallRequest{Tool: "tick"})
	req := httptest.NewRequest(http.MethodPost, "/tools/call", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	d.listener.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp toolCallResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Error)
}

func TestMessengerButlerKeepsNotifySendNonMessengerStripsIt(t *testing.T) {
	messenger := newTestButler(t, &runtime.Fake{}, true)
	require.NotNil(t, messenger.tools.Get("notify.send"))

	nonMessenger := newTestButler(t, &runtime.Fake{}, false)
	require.Nil(t, nonMessenger.tools.Get("notify.send"))
}

func TestHealthzReportsModuleStates(t *testing.T) {
	d := newTestButler(t, &runtime.Fake{}, false)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	d.listener.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "ok", body["db"])
	require.Contains(t, body, "modules")
}

func TestApproveThenExecutesGatedTool(t *testing.T) {
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{OutputText: "done"}}
	d := newTestButler(t, adapter, false)

	ctx := context.Background()
	pa, err := d.approvals.CreatePending(ctx, d.cfg.Name, "trigger", json.RawMessage(`{"prompt":"do it"}`), "high", time.Hour, nil)
	require.NoError(t, err)

	body, _ := json.Marshal(decisionRequest{Actor: "operator@example.com"})
	req := httptest.NewRequest(http.MethodPost, "/approvals/"+pa.ActionID.String()+"/approve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	d.listener.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "executed", resp["status"])
	require.Len(t, adapter.Calls, 1)
}

func TestRejectDoesNotExecute(t *testing.T) {
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{OutputText: "done"}}
	d := newTestButler(t, adapter, false)

	ctx := context.Background()
	pa, err := d.approvals.CreatePending(ctx, d.cfg.Name, "trigger", json.RawMessage(`{"prompt":"do it"}`), "high", time.Hour, nil)
	require.NoError(t, err)

	body, _ := json.Marshal(decisionRequest{Actor: "operator@example.com", Reason: "not now"})
	req := httptest.NewRequest(http.MethodPost, "/approvals/"+pa.ActionID.String()+"/reject", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	d.listener.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, adapter.Calls)
}
