package scheduler

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// fieldSpec bounds one of the 5 standard cron fields. Mirrors the bounds
// table in internal/ruriko/nlp/cron.go's ValidateCronExpression, which this
// package's ParseExpr reuses the same field-splitting idiom for.
type fieldSpec struct {
	name     string
	min, max int
}

var specs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// Expr is a parsed 5-field cron expression: one membership set per field.
type Expr struct {
	minute, hour, dom, month, dow map[int]struct{}
	domWildcard, dowWildcard      bool
}

// ParseExpr parses and validates expr, returning the matcher sets Next uses.
func ParseExpr(expr string) (*Expr, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields, got %d in %q", len(fields), expr)
	}

	sets := make([]map[int]struct{}, 5)
	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max, spec.name)
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}
	return &Expr{
		minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4],
		domWildcard: fields[2] == "*", dowWildcard: fields[4] == "*",
	}, nil
}

func parseField(field string, min, max int, name string) (map[int]struct{}, error) {
	set := make(map[int]struct{})
	for _, part := range strings.Split(field, ",") {
		if err := parseItem(part, min, max, name, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parseItem(item string, min, max int, name string, set map[int]struct{}) error {
	parts := strings.SplitN(item, "/", 2)
	base := parts[0]
	step := 1
	if len(parts) == 2 {
		s, err := strconv.Atoi(parts[1])
		if err != nil || s < 1 {
			return fmt.Errorf("cron field %q: invalid step %q in item %q", name, parts[1], item)
		}
		step = s
	}

	lo, hi := min, max
	if base != "*" {
		if idx := strings.Index(base, "-"); idx != -1 {
			l, err1 := strconv.Atoi(base[:idx])
			h, err2 := strconv.Atoi(base[idx+1:])
			if err1 != nil || err2 != nil || l < min || h > max || l > h {
				return fmt.Errorf("cron field %q: invalid range %q", name, base)
			}
			lo, hi = l, h
		} else {
			n, err := strconv.Atoi(base)
			if err != nil {
				return fmt.Errorf("cron field %q: unrecognised token %q", name, base)
			}
			if name == "day-of-week" && n == 7 {
				n = 0
			}
			if n < min || n > max {
				return fmt.Errorf("cron field %q: value %d out of bounds [%d,%d]", name, n, min, max)
			}
			lo, hi = n, n
		}
	}

	for v := lo; v <= hi; v += step {
		set[v] = struct{}{}
	}
	return nil
}

func (e *Expr) matches(t time.Time) bool {
	_, inMinute := e.minute[t.Minute()]
	_, inHour := e.hour[t.Hour()]
	_, inMonth := e.month[int(t.Month())]
	if !inMinute || !inHour || !inMonth {
		return false
	}
	_, inDom := e.dom[t.Day()]
	_, inDow := e.dow[int(t.Weekday())]
	// Standard cron semantics: when both day-of-month and day-of-week are
	// restricted (neither field is literally "*"), a match on either is
	// sufficient; otherwise both must agree (trivially true for the
	// wildcarded field).
	if e.domWildcard || e.dowWildcard {
		return inDom && inDow
	}
	return inDom || inDow
}

// Next returns the first minute-aligned instant strictly after 'after' (UTC)
// that satisfies expr, searching up to a 4-year horizon.
func (e *Expr) Next(after time.Time) (time.Time, bool) {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	horizon := after.AddDate(4, 0, 0)
	for t.Before(horizon) {
		if e.matches(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}

// ButlerOffset returns a deterministic per-butler stagger, bounded by
// min(15m, interval/2), derived from a stable hash of the butler name.
// Applying this to next_run_at spreads synchronized bursts without
// changing cadence.
func ButlerOffset(butlerName string, interval time.Duration) time.Duration {
	bound := 15 * time.Minute
	if half := interval / 2; half < bound {
		bound = half
	}
	if bound <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(butlerName))
	return time.Duration(int64(h.Sum32()) % int64(bound))
}
