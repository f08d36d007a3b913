package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender posts a Message as JSON to a fixed HTTP endpoint — the
// shape shared by Telegram's Bot API and Slack's incoming-webhook API, so
// one implementation covers both providers.
type WebhookSender struct {
	endpointURL string
	httpClient  *http.Client
}

// NewWebhookSender returns a WebhookSender that posts to endpointURL.
func NewWebhookSender(endpointURL string) *WebhookSender {
	return &WebhookSender{endpointURL: endpointURL, httpClient: &http.Client{Timeout: 15 * time.Second}}
}

type webhookBody struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Send posts msg to the configured webhook. A non-2xx response is treated
// as a delivery failure.
func (w *WebhookSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookBody{To: msg.EndpointIdentity, Text: msg.Body})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)) //nolint:errcheck

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}
