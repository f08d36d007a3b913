package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tzeusy/butlers/internal/tools"
)

// Gate implements tools.Gate: it is consulted before every gated tool call
// on one butler.
type Gate struct {
	store      *Store
	butlerName string
	ttl        time.Duration
}

// NewGate returns a Gate for butlerName backed by store. ttl bounds new
// pending actions' lifetime; pass 0 to use DefaultTTL.
func NewGate(store *Store, butlerName string, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{store: store, butlerName: butlerName, ttl: ttl}
}

// Evaluate matches args against this tool's standing rules first; a match
// pre-approves the call (consuming a bounded rule's use). Absent a match,
// it records a new pending action and returns GatePending.
func (g *Gate) Evaluate(ctx context.Context, toolName string, args map[string]interface{}, risk tools.RiskTier) (tools.GateDecision, string, error) {
	tier := RiskTier(risk)

	rule, err := g.store.MatchStandingRule(ctx, g.butlerName, toolName, args, tier)
	if err != nil {
		return tools.GateDenied, "", fmt.Errorf("approvals: match standing rule: %w", err)
	}
	if rule != nil {
		if rule.BoundedScope() && rule.MaxUses != nil {
			if err := g.store.ConsumeUse(ctx, rule.RuleID); err != nil {
				// Lost the race for the rule's last use; fall through to a
				// pending action rather than denying the call outright.
				rule = nil
			}
		}
	}
	if rule != nil {
		return tools.GateAllow, "", nil
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return tools.GateDenied, "", fmt.Errorf("approvals: marshal tool args: %w", err)
	}

	pa, err := g.store.CreatePending(ctx, g.butlerName, toolName, argsJSON, tier, g.ttl, nil)
	if err != nil {
		return tools.GateDenied, "", fmt.Errorf("approvals: create pending action: %w", err)
	}
	return tools.GatePending, pa.ActionID.String(), nil
}
