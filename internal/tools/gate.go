package tools

import (
	"context"
	"fmt"

	"github.com/tzeusy/butlers/internal/corerr"
)

// GateDecision is the outcome of evaluating a gated tool call against the
// approvals engine's standing rules, mirroring Gitai's policy.Decision but
// scoped to the single "is this call pre-approved" question.
type GateDecision int

const (
	// GateAllow means a standing rule pre-approved the call; it runs now.
	GateAllow GateDecision = iota
	// GatePending means a pending_actions row was created; the call does
	// not run until a human approves it.
	GatePending
	// GateDenied means policy rejected the call outright (e.g. risk tier
	// requires bounded scope and no matching rule provides it).
	GateDenied
)

// Gate is implemented by the approvals engine. It is consumed here as an
// interface, not a concrete type, so this package never imports
// internal/approvals (which in turn depends on internal/state) — keeping
// the dependency direction the same as Gitai's policy.Engine/ConfigProvider
// split.
type Gate interface {
	// Evaluate checks standing rules for a pre-approval match and, absent
	// one, records a new pending action. actionID is set whenever the
	// decision is GatePending, so callers can report it to the caller of
	// the tool ("awaiting approval, action <id>").
	Evaluate(ctx context.Context, toolName string, args map[string]interface{}, risk RiskTier) (decision GateDecision, actionID string, err error)
}

// Gated wraps h so that, when t.Definition.Gated is true, every call is
// intercepted by gate before the underlying handler runs. Ungated tools
// pass through untouched.
func Gated(t *Tool, gate Gate) Handler {
	if !t.Definition.Gated {
		return t.Handler
	}
	inner := t.Handler
	name := t.Definition.Name
	risk := t.Definition.Risk
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		decision, actionID, err := gate.Evaluate(ctx, name, args, risk)
		if err != nil {
			return "", fmt.Errorf("tools: gate evaluation for %q: %w", name, err)
		}
		switch decision {
		case GateAllow:
			return inner(ctx, args)
		case GatePending:
			return "", corerr.New(corerr.KindValidation,
				fmt.Sprintf("tool %q requires approval; pending action %s", name, actionID), nil)
		case GateDenied:
			return "", corerr.New(corerr.KindValidation,
				fmt.Sprintf("tool %q denied by policy", name), nil)
		default:
			return "", fmt.Errorf("tools: unknown gate decision %d for %q", decision, name)
		}
	}
}
