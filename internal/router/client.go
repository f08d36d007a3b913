package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tzeusy/butlers/common/retry"
	"github.com/tzeusy/butlers/common/trace"
	"github.com/tzeusy/butlers/internal/corerr"
)

// toolCallRetry backs off a failed target briefly rather than failing
// the subrequest on one dropped connection or 5xx blip; only errors
// corerr.IsRetryable reports true for (KindTargetUnavailable, KindInternal,
// KindOverloadRejected) are retried.
var toolCallRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	ShouldRetry:  corerr.IsRetryable,
}

const maxResponseBytes = 4 * 1024 * 1024

// toolCallRequest is the wire body POSTed to a butler's MCP endpoint.
type toolCallRequest struct {
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
	TraceID   string          `json:"trace_id,omitempty"`
	SessionID string          `json:"runtime_session_id,omitempty"`
}

// toolCallResponse is the wire body a butler's MCP endpoint returns.
type toolCallResponse struct {
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	UnknownTool bool            `json:"unknown_tool,omitempty"`
}

// ToolResult is what a successful CallTool returns to the caller.
type ToolResult struct {
	Result json.RawMessage
}

// client is a thin HTTP wrapper around one butler's MCP endpoint, cached
// by endpoint URL in the Router.
type client struct {
	endpointURL string
	httpClient  *http.Client
}

func newClient(endpointURL string) *client {
	return &client{endpointURL: endpointURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Healthy performs a lightweight GET /health probe before the cached client
// is reused.
func (c *client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes)) //nolint:errcheck
	return resp.StatusCode < 500
}

// CallTool invokes toolName on the target butler with args, injecting the
// caller's trace id from ctx. A dropped connection, 5xx, or corerr-tagged
// retryable failure is retried a couple of times with backoff before
// CallTool gives up and returns it to the caller.
func (c *client) CallTool(ctx context.Context, toolName string, args json.RawMessage, sessionID string) (*ToolResult, error) {
	body, err := json.Marshal(toolCallRequest{
		Tool:      toolName,
		Args:      args,
		TraceID:   trace.FromContext(ctx),
		SessionID: sessionID,
	})
	if err != nil {
		return nil, corerr.New(corerr.KindInternal, "router: marshal tool call", err)
	}

	var result *ToolResult
	err = retry.Do(ctx, toolCallRetry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL+"/tools/call", bytes.NewReader(body))
		if err != nil {
			return corerr.New(corerr.KindInternal, "router: build request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return corerr.New(corerr.KindTargetUnavailable, fmt.Sprintf("router: call %s", c.endpointURL), err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return corerr.New(corerr.KindInternal, "router: read response", err)
		}

		if resp.StatusCode >= 500 {
			return corerr.New(corerr.KindTargetUnavailable, fmt.Sprintf("router: target returned %d", resp.StatusCode), nil)
		}

		var out toolCallResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return corerr.New(corerr.KindInternal, "router: decode response", err)
		}

		if out.UnknownTool {
			return errUnknownTool
		}
		if out.Error != "" {
			return mapErrorKind(out.ErrorKind, out.Error)
		}
		result = &ToolResult{Result: out.Result}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

var errUnknownTool = corerr.New(corerr.KindValidation, "router: target rejected unknown tool", nil)

func mapErrorKind(kind, msg string) error {
	switch kind {
	case "timeout":
		return corerr.NewRetryable(corerr.KindTimeout, true, msg, nil)
	case "overload_rejected":
		return corerr.New(corerr.KindOverloadRejected, msg, nil)
	case "validation_error":
		return corerr.New(corerr.KindValidation, msg, nil)
	default:
		return corerr.New(corerr.KindInternal, msg, nil)
	}
}
