// Package approvals implements the Approvals Engine: the gate wrapper
// in front of high-risk tool calls, compare-and-set approve/reject
// decisions, idempotent execution of an approved action, and the
// standing-rule pre-approval match that can let a call through without a
// human in the loop.
package approvals

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status mirrors pending_actions.status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
)

// RiskTier mirrors pending_actions.risk_tier / tools.RiskTier's wire values.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// DefaultTTL is used when a caller requests approval without specifying one.
const DefaultTTL = 24 * time.Hour

// PendingAction mirrors one pending_actions row.
type PendingAction struct {
	ActionID        uuid.UUID
	ButlerName      string
	ToolName        string
	ToolArgs        json.RawMessage
	Status          Status
	RiskTier        RiskTier
	StandingRuleID  *uuid.UUID
	CreatedAt       time.Time
	DecidedAt       *time.Time
	ExpiresAt       time.Time
	ExecutionResult json.RawMessage
}

// ConstraintKind mirrors standing_rules.constraint_kind.
type ConstraintKind string

const (
	ConstraintExact   ConstraintKind = "exact"
	ConstraintPattern ConstraintKind = "pattern"
)

// StandingRule mirrors one standing_rules row. ConstraintValue holds
// either the exact args match (constraint_kind="exact") or a per-field
// regular-expression pattern map (constraint_kind="pattern"), both
// JSON-encoded.
type StandingRule struct {
	RuleID          uuid.UUID
	ButlerName      string
	ToolName        string
	ConstraintKind  ConstraintKind
	ConstraintValue json.RawMessage
	Specificity     int
	MaxUses         *int
	UsesCount       int
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// BoundedScope reports whether the rule's scope is bounded, the invariant
// high/critical risk tiers must satisfy to be eligible for pre-approval.
func (r *StandingRule) BoundedScope() bool {
	return r.ExpiresAt != nil || r.MaxUses != nil
}

// eligibleForTier rejects a standing rule for high/critical risk actions
// unless it is both a specific constraint (exact or pattern — both already
// are, by construction) and bounded in scope.
func (r *StandingRule) eligibleForTier(tier RiskTier) bool {
	if tier == RiskHigh || tier == RiskCritical {
		return r.BoundedScope()
	}
	return true
}
