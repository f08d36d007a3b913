package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one message_inbox row, read back by the classification/routing
// pipeline once Submit has durably recorded it.
type Message struct {
	RequestID        uuid.UUID
	Channel          string
	Provider         string
	EndpointIdentity string
	SenderIdentity   string
	ContentType      string
	Body             []byte
	NormalizedText   string
	SentAt           time.Time
	PriorityTier     string
	Status           string
}

// Text returns the best-effort plain-text form of the message: the
// normalized_text column when present, the raw body otherwise.
func (m *Message) Text() string {
	if m.NormalizedText != "" {
		return m.NormalizedText
	}
	return string(m.Body)
}

// Get retrieves one message_inbox row by request_id.
func (s *Store) Get(ctx context.Context, requestID uuid.UUID) (*Message, error) {
	var m Message
	var normalized, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, channel, provider, endpoint_identity, sender_identity, content_type, body,
		       COALESCE(normalized_text, ''), sent_at, priority_tier, status
		FROM message_inbox WHERE request_id = $1
	`, requestID).Scan(&m.RequestID, &m.Channel, &m.Provider, &m.EndpointIdentity, &m.SenderIdentity,
		&m.ContentType, &m.Body, &normalized, &m.SentAt, &m.PriorityTier, &status)
	if err != nil {
		return nil, fmt.Errorf("ingest: get message %s: %w", requestID, err)
	}
	m.NormalizedText = normalized
	m.Status = status
	return &m, nil
}

// SetStatus transitions a message_inbox row's pipeline status.
func (s *Store) SetStatus(ctx context.Context, requestID uuid.UUID, status string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE message_inbox SET status = $2 WHERE request_id = $1`, requestID, status); err != nil {
		return fmt.Errorf("ingest: set status %s: %w", requestID, err)
	}
	return nil
}

// SaveClassification persists the Classifier's output for a request onto
// its message_inbox row.
func (s *Store) SaveClassification(ctx context.Context, requestID uuid.UUID, entries interface{}) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("ingest: marshal classification: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE message_inbox SET classification = $2 WHERE request_id = $1`, requestID, raw); err != nil {
		return fmt.Errorf("ingest: save classification %s: %w", requestID, err)
	}
	return nil
}

// SaveRoutingResults persists the Dispatcher's final outcome summary for a
// request and advances status to completed or failed accordingly.
func (s *Store) SaveRoutingResults(ctx context.Context, requestID uuid.UUID, results interface{}, finalStatus string) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("ingest: marshal routing results: %w", err)
	}
	status := "completed"
	if finalStatus == "failed" {
		status = "failed"
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE message_inbox SET routing_results = $2, status = $3 WHERE request_id = $1
	`, requestID, raw, status); err != nil {
		return fmt.Errorf("ingest: save routing results %s: %w", requestID, err)
	}
	return nil
}

// CachedClassification returns a previously-saved classification blob, if
// any. The ingress cold path does not call it: SwitchboardDaemon.process
// re-runs the Classifier for every item, including re-enqueued ones.
func (s *Store) CachedClassification(ctx context.Context, requestID uuid.UUID) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT classification FROM message_inbox WHERE request_id = $1`, requestID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("ingest: cached classification %s: %w", requestID, err)
	}
	return json.RawMessage(raw), nil
}
