// Package state implements the State & Session Store: a per-butler KV store
// plus the session/trigger audit log.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrKeyNotFound is returned by Get when key has no row.
var ErrKeyNotFound = errors.New("state key not found")

// Store wraps a butler-scoped *sql.DB (search_path already pinned to the
// butler's own schema by the caller, per schema.SearchPath).
type Store struct {
	db *sql.DB
}

// New wraps db. The caller is responsible for opening db with the butler's
// search_path applied (see schema.SearchPath).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection, for components (scheduler, registry,
// approvals) that need direct SQL access within the same schema.
func (s *Store) DB() *sql.DB { return s.db }

// Get decodes the JSON value stored under key into dst.
func (s *Store) Get(ctx context.Context, key string, dst interface{}) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("get state %s: %w", key, err)
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// Set upserts key with the JSON encoding of value.
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, raw)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// TriggerSource enumerates how a Session came to be invoked.
type TriggerSource string

const (
	TriggerExternal  TriggerSource = "external"
	TriggerSchedule  TriggerSource = "schedule"
	TriggerRoute     TriggerSource = "route"
	TriggerTrigger   TriggerSource = "trigger"
	TriggerTest      TriggerSource = "test"
	TriggerHeartbeat TriggerSource = "heartbeat"
)

// SessionStatus enumerates the lifecycle of a Session row.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Session is one recorded runtime turn for a butler.
type Session struct {
	SessionID       uuid.UUID
	ParentSessionID *uuid.UUID
	ButlerName      string
	TriggerSource   TriggerSource
	Prompt          string
	Model           string
	Status          SessionStatus
	CreatedAt       time.Time
	CompletedAt     *time.Time
	DurationMS      *int64
	ToolCalls       json.RawMessage
	InputTokens     int
	OutputTokens    int
	RetryCount      int
	TraceID         string
	Error           *string
}

// InsertRunning inserts a new session row with status=running. The
// wall-clock timer starts before this insert so an insert failure never
// causes double-counted duration.
func (s *Store) InsertRunning(ctx context.Context, sess *Session) error {
	if sess.SessionID == uuid.Nil {
		sess.SessionID = uuid.New()
	}
	toolCalls := sess.ToolCalls
	if toolCalls == nil {
		toolCalls = json.RawMessage("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, parent_session_id, butler_name, trigger_source, prompt,
			model, status, created_at, tool_calls, input_tokens, output_tokens,
			retry_count, trace_id
		) VALUES ($1,$2,$3,$4,$5,$6,'running',$7,$8,0,0,0,$9)
	`, sess.SessionID, sess.ParentSessionID, sess.ButlerName, sess.TriggerSource,
		sess.Prompt, sess.Model, sess.CreatedAt, toolCalls, sess.TraceID)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.SessionID, err)
	}
	return nil
}

// Complete updates a session to its terminal state exactly once. Calling it
// twice for the same session ID is a logic error in the caller (the
// spawner's serial lock guarantees this never happens in practice), but the
// SQL itself is a plain UPDATE — no CAS is required here because only the
// spawner that inserted the row ever completes it.
func (s *Store) Complete(ctx context.Context, sessionID uuid.UUID, status SessionStatus, completedAt time.Time,
	durationMS int64, toolCalls json.RawMessage, inputTokens, outputTokens int, sessionErr *string) error {
	if toolCalls == nil {
		toolCalls = json.RawMessage("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = $2, completed_at = $3, duration_ms = $4, tool_calls = $5,
			input_tokens = $6, output_tokens = $7, error = $8
		WHERE session_id = $1
	`, sessionID, status, completedAt, durationMS, toolCalls, inputTokens, outputTokens, sessionErr)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	return nil
}

// IncrementRetry bumps retry_count for adapter-level retries.
func (s *Store) IncrementRetry(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET retry_count = retry_count + 1 WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("increment retry for session %s: %w", sessionID, err)
	}
	return nil
}

// ListForButler returns the most recent sessions for a butler, newest first.
func (s *Store) ListForButler(ctx context.Context, butlerName string, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, parent_session_id, butler_name, trigger_source, prompt,
		       model, status, created_at, completed_at, duration_ms, tool_calls,
		       input_tokens, output_tokens, retry_count, trace_id, error
		FROM sessions WHERE butler_name = $1 ORDER BY created_at DESC LIMIT $2
	`, butlerName, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", butlerName, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.SessionID, &sess.ParentSessionID, &sess.ButlerName, &sess.TriggerSource,
			&sess.Prompt, &sess.Model, &sess.Status, &sess.CreatedAt, &sess.CompletedAt, &sess.DurationMS,
			&sess.ToolCalls, &sess.InputTokens, &sess.OutputTokens, &sess.RetryCount, &sess.TraceID, &sess.Error); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// NoOverlap reports whether two sessions for the same butler never
// overlapped in wall-clock time. Exposed for tests; not used in the hot path.
func NoOverlap(a, b *Session) bool {
	if a.CompletedAt == nil || b.CompletedAt == nil {
		return false
	}
	return !a.CompletedAt.After(b.CreatedAt) || !b.CompletedAt.After(a.CreatedAt)
}
