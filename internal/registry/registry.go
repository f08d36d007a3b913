// Package registry implements the Registry & Liveness component: butler
// self-registration, heartbeat-driven eligibility, and the canonical
// routing-target gate. Single writer (the Switchboard butler);
// every other butler's registry package instance only reads.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EligibilityState mirrors butler_registry.eligibility_state.
type EligibilityState string

const (
	StateActive      EligibilityState = "active"
	StateQuarantined EligibilityState = "quarantined"
	StateStale       EligibilityState = "stale"
)

// Entry mirrors one butler_registry row.
type Entry struct {
	Name             string
	EndpointURL      string
	RouteContractMin int
	RouteContractMax int
	Capabilities     []string
	EligibilityState EligibilityState
	LivenessTTLS     int
	FirstSeenAt      time.Time
	LastHeartbeatAt  *time.Time
	QuarantineReason string
}

// Registry is the authoritative liveness + eligibility directory, backed
// by the shared-schema butler_registry/eligibility_log tables.
type Registry struct {
	db *sql.DB
}

// New wraps db, which must be opened with search_path including the shared
// schema (see schema.SearchPath).
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Register creates or refreshes a butler's registration. Re-registration
// of a stale butler transitions it back to active with reason
// "re_registered".
func (r *Registry) Register(ctx context.Context, name, endpointURL string, contractMin, contractMax int, capabilities []string, livenessTTLS int) error {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("registry: marshal capabilities: %w", err)
	}

	var existingState EligibilityState
	err = r.db.QueryRowContext(ctx, `SELECT eligibility_state FROM butler_registry WHERE name = $1`, name).Scan(&existingState)
	switch {
	case err == sql.ErrNoRows:
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO butler_registry (name, endpoint_url, route_contract_min, route_contract_max, capabilities, liveness_ttl_s, last_heartbeat_at)
			VALUES ($1,$2,$3,$4,$5,$6, now())
		`, name, endpointURL, contractMin, contractMax, caps, livenessTTLS)
		return err
	case err != nil:
		return fmt.Errorf("registry: lookup %s: %w", name, err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE butler_registry SET endpoint_url = $2, route_contract_min = $3, route_contract_max = $4,
			capabilities = $5, liveness_ttl_s = $6, last_heartbeat_at = now()
		WHERE name = $1
	`, name, endpointURL, contractMin, contractMax, caps, livenessTTLS)
	if err != nil {
		return fmt.Errorf("registry: refresh %s: %w", name, err)
	}

	if existingState == StateStale {
		return r.transition(ctx, name, StateStale, StateActive, "re_registered")
	}
	return nil
}

// Heartbeat records a liveness ping. If the butler is currently stale, it
// transitions back to active with reason "health_restored".
func (r *Registry) Heartbeat(ctx context.Context, name string) error {
	var current EligibilityState
	if err := r.db.QueryRowContext(ctx, `SELECT eligibility_state FROM butler_registry WHERE name = $1`, name).Scan(&current); err != nil {
		return fmt.Errorf("registry: heartbeat lookup %s: %w", name, err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE butler_registry SET last_heartbeat_at = now() WHERE name = $1`, name); err != nil {
		return fmt.Errorf("registry: heartbeat update %s: %w", name, err)
	}
	if current == StateStale {
		return r.transition(ctx, name, StateStale, StateActive, "health_restored")
	}
	return nil
}

// SweepStale transitions every active butler whose last_heartbeat_at plus
// its own liveness_ttl_s has elapsed into stale. SwitchboardDaemon's sweep
// loop calls it directly.
func (r *Registry) SweepStale(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name FROM butler_registry
		WHERE eligibility_state = 'active'
		  AND last_heartbeat_at IS NOT NULL
		  AND last_heartbeat_at + (liveness_ttl_s * interval '1 second') < now()
	`)
	if err != nil {
		return fmt.Errorf("registry: sweep query: %w", err)
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range stale {
		if err := r.transition(ctx, name, StateActive, StateStale, "ttl_expired"); err != nil {
			slog.Error("registry: sweep transition failed", "butler", name, "err", err)
		}
	}
	return nil
}

// Quarantine marks a butler quarantined, from either active or stale, for
// repeated route failures or operator action.
func (r *Registry) Quarantine(ctx context.Context, name, reason string) error {
	var current EligibilityState
	if err := r.db.QueryRowContext(ctx, `SELECT eligibility_state FROM butler_registry WHERE name = $1`, name).Scan(&current); err != nil {
		return fmt.Errorf("registry: quarantine lookup %s: %w", name, err)
	}
	if current == StateQuarantined {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE butler_registry SET quarantine_reason = $2 WHERE name = $1`, name, reason); err != nil {
		return fmt.Errorf("registry: set quarantine_reason %s: %w", name, err)
	}
	return r.transition(ctx, name, current, StateQuarantined, reason)
}

// Reactivate is the only path out of quarantine; it is operator-driven,
// never automatic.
func (r *Registry) Reactivate(ctx context.Context, name, operator string) error {
	var current EligibilityState
	if err := r.db.QueryRowContext(ctx, `SELECT eligibility_state FROM butler_registry WHERE name = $1`, name).Scan(&current); err != nil {
		return fmt.Errorf("registry: reactivate lookup %s: %w", name, err)
	}
	if current != StateQuarantined {
		return fmt.Errorf("registry: %s is not quarantined (state=%s)", name, current)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE butler_registry SET quarantine_reason = NULL WHERE name = $1`, name); err != nil {
		return err
	}
	return r.transition(ctx, name, StateQuarantined, StateActive, "operator:"+operator)
}

// transition performs the state change plus its audit row in one
// transaction, guarded by a WHERE on the expected from-state so a
// concurrent transition cannot silently clobber another.
func (r *Registry) transition(ctx context.Context, name string, from, to EligibilityState, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin transition tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE butler_registry SET eligibility_state = $3 WHERE name = $1 AND eligibility_state = $2
	`, name, from, to)
	if err != nil {
		return fmt.Errorf("registry: transition update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil // lost the race to a concurrent transition; not an error
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO eligibility_log (butler_name, from_state, to_state, reason) VALUES ($1,$2,$3,$4)
	`, name, from, to, reason); err != nil {
		return fmt.Errorf("registry: transition audit row: %w", err)
	}
	return tx.Commit()
}

// ResolveRoutingTarget is the canonical eligibility check:
// quarantined and stale butlers are excluded from classifier context and
// rejected by the router.
func (r *Registry) ResolveRoutingTarget(ctx context.Context, name string) (*Entry, error) {
	e, err := r.get(ctx, name)
	if err != nil {
		return nil, err
	}
	if e.EligibilityState != StateActive {
		return nil, fmt.Errorf("registry: %s is not eligible (state=%s)", name, e.EligibilityState)
	}
	return e, nil
}

// ListEligible returns every active butler, for the Classifier's routing
// context (quarantined/stale butlers are excluded).
func (r *Registry) ListEligible(ctx context.Context) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, endpoint_url, route_contract_min, route_contract_max, capabilities,
		       eligibility_state, liveness_ttl_s, first_seen_at, last_heartbeat_at, quarantine_reason
		FROM butler_registry WHERE eligibility_state = 'active'
	`)
	if err != nil {
		return nil, fmt.Errorf("registry: list eligible: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Registry) get(ctx context.Context, name string) (*Entry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, endpoint_url, route_contract_min, route_contract_max, capabilities,
		       eligibility_state, liveness_ttl_s, first_seen_at, last_heartbeat_at, quarantine_reason
		FROM butler_registry WHERE name = $1
	`, name)
	return scanEntry(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var caps []byte
	var quarantineReason sql.NullString
	if err := row.Scan(&e.Name, &e.EndpointURL, &e.RouteContractMin, &e.RouteContractMax, &caps,
		&e.EligibilityState, &e.LivenessTTLS, &e.FirstSeenAt, &e.LastHeartbeatAt, &quarantineReason); err != nil {
		return nil, fmt.Errorf("registry: scan entry: %w", err)
	}
	if len(caps) > 0 {
		_ = json.Unmarshal(caps, &e.Capabilities)
	}
	e.QuarantineReason = quarantineReason.String
	return &e, nil
}
