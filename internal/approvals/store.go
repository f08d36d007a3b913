package approvals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists pending_actions, approval_events, and standing_rules
// against one butler's own schema.
type Store struct {
	db *sql.DB
}

// New wraps db, which must be opened with search_path pinned to the
// owning butler's own schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreatePending inserts a new pending action and its action_requested
// event, in one transaction.
func (s *Store) CreatePending(ctx context.Context, butlerName, toolName string, args json.RawMessage, risk RiskTier, ttl time.Duration, standingRuleID *uuid.UUID) (*PendingAction, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	pa := &PendingAction{
		ActionID:       uuid.New(),
		ButlerName:     butlerName,
		ToolName:       toolName,
		ToolArgs:       args,
		Status:         StatusPending,
		RiskTier:       risk,
		StandingRuleID: standingRuleID,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      time.Now().UTC().Add(ttl),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approvals: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pending_actions (action_id, butler_name, tool_name, tool_args, status, risk_tier, standing_rule_id, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, pa.ActionID, pa.ButlerName, pa.ToolName, []byte(pa.ToolArgs), string(pa.Status), string(pa.RiskTier), pa.StandingRuleID, pa.CreatedAt, pa.ExpiresAt); err != nil {
		return nil, fmt.Errorf("approvals: insert pending_actions: %w", err)
	}

	if err := recordEvent(ctx, tx, pa.ActionID, "action_requested", "", nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approvals: commit: %w", err)
	}
	return pa, nil
}

// Get retrieves one pending action by ID.
func (s *Store) Get(ctx context.Context, actionID uuid.UUID) (*PendingAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT action_id, butler_name, tool_name, tool_args, status, risk_tier, standing_rule_id,
		       created_at, decided_at, expires_at, execution_result
		FROM pending_actions WHERE action_id = $1
	`, actionID)
	return scanAction(row)
}

func scanAction(row interface{ Scan(...interface{}) error }) (*PendingAction, error) {
	var pa PendingAction
	var status, risk string
	var standingRuleID uuid.NullUUID
	var decidedAt sql.NullTime
	var toolArgs, result []byte
	if err := row.Scan(&pa.ActionID, &pa.ButlerName, &pa.ToolName, &toolArgs, &status, &risk, &standingRuleID,
		&pa.CreatedAt, &decidedAt, &pa.ExpiresAt, &result); err != nil {
		return nil, fmt.Errorf("approvals: scan pending action: %w", err)
	}
	pa.ToolArgs = json.RawMessage(toolArgs)
	pa.Status = Status(status)
	pa.RiskTier = RiskTier(risk)
	if standingRuleID.Valid {
		id := standingRuleID.UUID
		pa.StandingRuleID = &id
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		pa.DecidedAt = &t
	}
	if result != nil {
		pa.ExecutionResult = result
	}
	return &pa, nil
}

// cas performs a compare-and-set status transition guarded by
// WHERE status='pending', recording the outcome event only when this call
// wins the transition. Returns the action's current state after the attempt.
func (s *Store) cas(ctx context.Context, actionID uuid.UUID, to Status, eventType, actor, reason string) (*PendingAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approvals: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE pending_actions SET status = $2, decided_at = now() WHERE action_id = $1 AND status = 'pending'
	`, actionID, string(to))
	if err != nil {
		return nil, fmt.Errorf("approvals: cas update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		// Lost the race (or action was never pending). Not an error: the
		// caller gets back the actual current state.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return s.Get(ctx, actionID)
	}

	var detail []byte
	if reason != "" {
		detail, _ = json.Marshal(map[string]string{"reason": reason})
	}
	if err := recordEvent(ctx, tx, actionID, eventType, actor, detail); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approvals: commit: %w", err)
	}
	return s.Get(ctx, actionID)
}

// Approve performs the CAS transition to approved. Concurrent Approve
// calls on the same action: exactly one succeeds; the other sees the
// resulting "already approved" state, not an error.
func (s *Store) Approve(ctx context.Context, actionID uuid.UUID, actor string) (*PendingAction, error) {
	return s.cas(ctx, actionID, StatusApproved, "action_approved", actor, "")
}

// Reject performs the CAS transition to rejected.
func (s *Store) Reject(ctx context.Context, actionID uuid.UUID, actor, reason string) (*PendingAction, error) {
	return s.cas(ctx, actionID, StatusRejected, "action_rejected", actor, reason)
}

// ExpireStale transitions every pending action whose deadline has passed
// into expired, emitting one action_expired event per row.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("approvals: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE pending_actions SET status = 'expired', decided_at = now()
		WHERE status = 'pending' AND expires_at < now()
		RETURNING action_id
	`)
	if err != nil {
		return 0, fmt.Errorf("approvals: expire stale: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := recordEvent(ctx, tx, id, "action_expired", "", nil); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("approvals: commit: %w", err)
	}
	return int64(len(ids)), nil
}

// markExecuted performs the CAS transition from approved to executed,
// storing the execution result. Used only by Executor.Execute.
func (s *Store) markExecuted(ctx context.Context, actionID uuid.UUID, result json.RawMessage) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("approvals: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE pending_actions SET status = 'executed', execution_result = $2
		WHERE action_id = $1 AND status = 'approved'
	`, actionID, []byte(result))
	if err != nil {
		return false, fmt.Errorf("approvals: mark executed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, tx.Commit()
	}
	if err := recordEvent(ctx, tx, actionID, "action_executed", "", nil); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func recordEvent(ctx context.Context, tx *sql.Tx, actionID uuid.UUID, eventType, actor string, detail []byte) error {
	var actorArg interface{}
	if actor != "" {
		actorArg = actor
	}
	var detailArg interface{}
	if detail != nil {
		detailArg = detail
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_events (action_id, event_type, actor, detail) VALUES ($1,$2,$3,$4)
	`, actionID, eventType, actorArg, detailArg); err != nil {
		return fmt.Errorf("approvals: insert approval_events: %w", err)
	}
	return nil
}
