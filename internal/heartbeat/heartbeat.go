// Package heartbeat implements the connector.heartbeat.v1 side-channel: a
// store that ingests periodic liveness pings from external connector
// processes (channel pollers, backfill workers) into connector_registry /
// connector_heartbeat_log / connector_stats_rollup, and a Reporter that
// those connector processes use to emit them. Distinct from the Registry &
// Liveness component, which governs butler-to-butler routing eligibility.
package heartbeat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// State mirrors connector_registry.state / the wire vocabulary.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateError    State = "error"
)

// DefaultIntervalS, MinIntervalS, and MaxIntervalS bound
// CONNECTOR_HEARTBEAT_INTERVAL_S.
const (
	DefaultIntervalS = 120
	MinIntervalS     = 30
	MaxIntervalS     = 300
)

// ClampInterval applies the configured default/min/max to a requested
// heartbeat interval in seconds.
func ClampInterval(seconds int) time.Duration {
	switch {
	case seconds <= 0:
		seconds = DefaultIntervalS
	case seconds < MinIntervalS:
		seconds = MinIntervalS
	case seconds > MaxIntervalS:
		seconds = MaxIntervalS
	}
	return time.Duration(seconds) * time.Second
}

// Beat is one connector.heartbeat.v1 payload.
type Beat struct {
	ConnectorType    string
	EndpointIdentity string
	InstanceID       string
	State            State
	Counters         map[string]int64
	Checkpoint       json.RawMessage
	SentAt           time.Time
}

// Store persists heartbeats into the shared schema. Single writer
// (Switchboard butler), same as Registry.
type Store struct {
	db *sql.DB
}

// New wraps db, which must be opened against the shared schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// rollupBucket truncates a timestamp to the start of its hour, the
// connector_stats_rollup granularity.
func rollupBucket(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// Record ingests one heartbeat: auto-creates connector_registry on first
// contact from an unknown (connector_type, endpoint_identity), appends the
// raw heartbeat to connector_heartbeat_log, and folds the delta against the
// connector's previous monotonic counters into connector_stats_rollup.
func (s *Store) Record(ctx context.Context, b Beat) error {
	if b.ConnectorType == "" || b.EndpointIdentity == "" || b.InstanceID == "" {
		return fmt.Errorf("heartbeat: connector_type, endpoint_identity, and instance_id are all required")
	}
	if b.SentAt.IsZero() {
		b.SentAt = time.Now().UTC()
	}
	counters, err := json.Marshal(b.Counters)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal counters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("heartbeat: begin tx: %w", err)
	}
	defer tx.Rollback()

	prev, err := previousCounters(ctx, tx, b.ConnectorType, b.EndpointIdentity, b.InstanceID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO connector_registry (connector_type, endpoint_identity, instance_id, first_seen_at, last_seen_at, state)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (connector_type, endpoint_identity) DO UPDATE SET
			instance_id = EXCLUDED.instance_id, last_seen_at = EXCLUDED.last_seen_at, state = EXCLUDED.state
	`, b.ConnectorType, b.EndpointIdentity, b.InstanceID, b.SentAt, string(b.State)); err != nil {
		return fmt.Errorf("heartbeat: upsert connector_registry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO connector_heartbeat_log (connector_type, endpoint_identity, instance_id, state, counters, checkpoint, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ConnectorType, b.EndpointIdentity, b.InstanceID, string(b.State), counters, nullableJSON(b.Checkpoint), b.SentAt); err != nil {
		return fmt.Errorf("heartbeat: insert connector_heartbeat_log: %w", err)
	}

	received := delta(b.Counters["messages_received"], prev["messages_received"])
	failed := delta(b.Counters["messages_failed"], prev["messages_failed"])
	if received != 0 || failed != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO connector_stats_rollup (connector_type, endpoint_identity, bucket_start, messages_received, messages_failed)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (connector_type, endpoint_identity, bucket_start) DO UPDATE SET
				messages_received = connector_stats_rollup.messages_received + EXCLUDED.messages_received,
				messages_failed = connector_stats_rollup.messages_failed + EXCLUDED.messages_failed
		`, b.ConnectorType, b.EndpointIdentity, rollupBucket(b.SentAt), received, failed); err != nil {
			return fmt.Errorf("heartbeat: upsert connector_stats_rollup: %w", err)
		}
	}

	return tx.Commit()
}

// delta computes the monotonic increase from prior to current, treating a
// decrease (process restart resetting its counters) as the current value
// rather than a negative delta.
func delta(current, prior int64) int64 {
	if current < prior {
		return current
	}
	return current - prior
}

func previousCounters(ctx context.Context, tx *sql.Tx, connectorType, endpointIdentity, instanceID string) (map[string]int64, error) {
	var raw []byte
	err := tx.QueryRowContext(ctx, `
		SELECT counters FROM connector_heartbeat_log
		WHERE connector_type = $1 AND endpoint_identity = $2 AND instance_id = $3
		ORDER BY sent_at DESC LIMIT 1
	`, connectorType, endpointIdentity, instanceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("heartbeat: lookup previous counters: %w", err)
	}
	var prev map[string]int64
	if err := json.Unmarshal(raw, &prev); err != nil {
		return nil, fmt.Errorf("heartbeat: unmarshal previous counters: %w", err)
	}
	return prev, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// ConnectorEntry mirrors one connector_registry row.
type ConnectorEntry struct {
	ConnectorType    string
	EndpointIdentity string
	InstanceID       string
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
	State            State
}

// Get looks up a connector's current registry row.
func (s *Store) Get(ctx context.Context, connectorType, endpointIdentity string) (*ConnectorEntry, error) {
	var e ConnectorEntry
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT connector_type, endpoint_identity, instance_id, first_seen_at, last_seen_at, state
		FROM connector_registry WHERE connector_type = $1 AND endpoint_identity = $2
	`, connectorType, endpointIdentity).Scan(&e.ConnectorType, &e.EndpointIdentity, &e.InstanceID, &e.FirstSeenAt, &e.LastSeenAt, &state)
	if err != nil {
		return nil, err
	}
	e.State = State(state)
	return &e, nil
}
