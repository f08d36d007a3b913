package approvals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"
)

// ListStandingRules returns every still-usable standing rule for
// (butlerName, toolName): not expired, and under max_uses if bounded.
func (s *Store) ListStandingRules(ctx context.Context, butlerName, toolName string) ([]*StandingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, butler_name, tool_name, constraint_kind, constraint_value, specificity,
		       max_uses, uses_count, expires_at, created_at
		FROM standing_rules
		WHERE butler_name = $1 AND tool_name = $2
		  AND (expires_at IS NULL OR expires_at > now())
		  AND (max_uses IS NULL OR uses_count < max_uses)
	`, butlerName, toolName)
	if err != nil {
		return nil, fmt.Errorf("approvals: list standing_rules: %w", err)
	}
	defer rows.Close()

	var out []*StandingRule
	for rows.Next() {
		var r StandingRule
		var kind string
		var value []byte
		var maxUses sql.NullInt64
		var expiresAt sql.NullTime
		if err := rows.Scan(&r.RuleID, &r.ButlerName, &r.ToolName, &kind, &value, &r.Specificity,
			&maxUses, &r.UsesCount, &expiresAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("approvals: scan standing_rule: %w", err)
		}
		r.ConstraintKind = ConstraintKind(kind)
		r.ConstraintValue = value
		if maxUses.Valid {
			n := int(maxUses.Int64)
			r.MaxUses = &n
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			r.ExpiresAt = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MatchStandingRule returns the highest-precedence standing rule whose
// constraint matches args and whose risk eligibility is satisfied, or nil
// if none matches. Precedence: constraint_specificity DESC,
// bounded_scope DESC, created_at DESC, rule_id ASC.
func (s *Store) MatchStandingRule(ctx context.Context, butlerName, toolName string, args map[string]interface{}, risk RiskTier) (*StandingRule, error) {
	candidates, err := s.ListStandingRules(ctx, butlerName, toolName)
	if err != nil {
		return nil, err
	}

	var matched []*StandingRule
	for _, r := range candidates {
		if !r.eligibleForTier(risk) {
			continue
		}
		ok, err := constraintMatches(r, args)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Specificity != b.Specificity {
			return a.Specificity > b.Specificity
		}
		if a.BoundedScope() != b.BoundedScope() {
			return a.BoundedScope()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.RuleID.String() < b.RuleID.String()
	})
	return matched[0], nil
}

// constraintMatches evaluates a rule's constraint against the call's args.
// "exact" requires args to equal constraint_value field-for-field. "pattern"
// treats constraint_value as a map of field name to regular expression,
// matched against each field's string representation; fields the pattern
// doesn't mention are unconstrained.
func constraintMatches(r *StandingRule, args map[string]interface{}) (bool, error) {
	switch r.ConstraintKind {
	case ConstraintExact:
		var want map[string]interface{}
		if err := json.Unmarshal(r.ConstraintValue, &want); err != nil {
			return false, fmt.Errorf("approvals: rule %s: unmarshal exact constraint: %w", r.RuleID, err)
		}
		return exactMatch(want, args), nil
	case ConstraintPattern:
		var patterns map[string]string
		if err := json.Unmarshal(r.ConstraintValue, &patterns); err != nil {
			return false, fmt.Errorf("approvals: rule %s: unmarshal pattern constraint: %w", r.RuleID, err)
		}
		return patternMatch(patterns, args)
	default:
		return false, fmt.Errorf("approvals: rule %s: unknown constraint_kind %q", r.RuleID, r.ConstraintKind)
	}
}

func exactMatch(want, got map[string]interface{}) bool {
	if len(want) != len(got) {
		return false
	}
	for k, wv := range want {
		gv, ok := got[k]
		if !ok {
			return false
		}
		wb, _ := json.Marshal(wv)
		gb, _ := json.Marshal(gv)
		if string(wb) != string(gb) {
			return false
		}
	}
	return true
}

func patternMatch(patterns map[string]string, args map[string]interface{}) (bool, error) {
	for field, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("approvals: invalid pattern %q for field %q: %w", pattern, field, err)
		}
		v, ok := args[field]
		if !ok {
			return false, nil
		}
		if !re.MatchString(fmt.Sprint(v)) {
			return false, nil
		}
	}
	return true, nil
}

// ConsumeUse increments a bounded standing rule's uses_count with a CAS
// guard against max_uses, so two concurrent matches cannot both use the
// rule's last remaining slot.
func (s *Store) ConsumeUse(ctx context.Context, ruleID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE standing_rules SET uses_count = uses_count + 1
		WHERE rule_id = $1 AND (max_uses IS NULL OR uses_count < max_uses)
	`, ruleID)
	if err != nil {
		return fmt.Errorf("approvals: consume standing_rule use: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("approvals: standing_rule %s exhausted", ruleID)
	}
	return nil
}
