package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/ingress"
	"github.com/tzeusy/butlers/internal/runtime"
	"github.com/tzeusy/butlers/internal/testutil"
)

func newTestSwitchboard(t *testing.T, adapter runtime.Adapter) *SwitchboardDaemon {
	t.Helper()
	dsn := testutil.SharedPostgresDSN(t)
	testutil.NewSchema(t, dsn) // ensures the shared container is reachable; migrations below target "shared" directly

	sb, err := NewSwitchboard(context.Background(), SwitchboardConfig{
		DSN:               dsn,
		ListenAddr:        "127.0.0.1:0",
		ClassifierAdapter: adapter,
		IngressConfig:     ingress.Config{WorkerCount: 1, QueueCapacity: 4},
	})
	require.NoError(t, err)
	t.Cleanup(func() { sb.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, sb.Start(ctx))
	return sb
}

func testEnvelope(idempotencyKey, threadTarget, text string) map[string]interface{} {
	return map[string]interface{}{
		"schema_version": "ingest.v1",
		"source": map[string]interface{}{
			"channel":           "telegram",
			"provider":          "telegram",
			"endpoint_identity": "bot-1",
			"sender_identity":   "user-1",
		},
		"payload": map[string]interface{}{
			"content_type": "text/plain",
			"body":         text,
			"sent_at":      "2026-07-31T12:00:00Z",
		},
		"idempotency_key": idempotencyKey,
		"thread_target":   threadTarget,
	}
}

func TestTierFromHintsDefaultsAndRecognizes(t *testing.T) {
	require.Equal(t, ingress.TierDefault, tierFromHints(nil))
	require.Equal(t, ingress.TierDefault, tierFromHints(map[string]interface{}{"priority_tier": "bogus"}))
	require.Equal(t, ingress.TierHighPriority, tierFromHints(map[string]interface{}{"priority_tier": "high_priority"}))
	require.Equal(t, ingress.TierInteractive, tierFromHints(map[string]interface{}{"priority_tier": "interactive"}))
}

func TestHandleIngestSubmitsAndAcceptsDuplicate(t *testing.T) {
	sb := newTestSwitchboard(t, &runtime.Fake{})

	raw, _ := json.Marshal(testEnvelope("req-1", "chat-1", "hello"))

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	sb.listener.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, false, first["duplicate"])

	req2 := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(raw))
	rec2 := httptest.NewRecorder()
	sb.listener.engine.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusAccepted, rec2.Code)

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))
	require.Equal(t, true, second["duplicate"])
	require.Equal(t, first["request_id"], second["request_id"])
}

// TestProcessDispatchesToRegisteredTarget exercises the full
// classify->plan->dispatch pipeline against a fake target butler HTTP
// server, verifying the message_inbox row lands on "completed".
func TestProcessDispatchesToRegisteredTarget(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/tools/call":
			resp, _ := json.Marshal(toolCallResponse{Result: json.RawMessage(`"ok"`)})
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(target.Close)

	classification, _ := json.Marshal([]map[string]interface{}{
		{"butler": "billing", "prompt": "look up the invoice", "segment": map[string]interface{}{"rationale": "whole message"}},
	})
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{OutputText: string(classification)}}

	sb := newTestSwitchboard(t, adapter)
	require.NoError(t, sb.Registry.Register(context.Background(), "billing", target.URL, 1, 1, []string{"finance"}, 180))

	raw, _ := json.Marshal(testEnvelope("req-billing-1", "chat-2", "what do I owe"))

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	sb.listener.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	requestID := submitted["request_id"].(string)

	parsedID, err := uuid.Parse(requestID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		row, err := sb.ingest.Get(context.Background(), parsedID)
		return err == nil && row.Status == "completed"
	}, 5*time.Second, 50*time.Millisecond)
}
