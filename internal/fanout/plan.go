// Package fanout implements the Fanout Planner & Dispatcher: turning
// classification entries into a dependency-ordered execution plan and
// driving each subrequest through the Router.
package fanout

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tzeusy/butlers/internal/classifier"
)

// Mode selects how subrequests in a plan are executed.
type Mode string

const (
	ModeParallel    Mode = "parallel"
	ModeOrdered     Mode = "ordered"
	ModeConditional Mode = "conditional"
)

// JoinPolicy determines when Execute returns.
type JoinPolicy string

const (
	JoinWaitForAll   JoinPolicy = "wait_for_all"
	JoinFirstSuccess JoinPolicy = "first_success"
)

// AbortPolicy determines whether a subrequest failure stops the rest of
// the plan.
type AbortPolicy string

const (
	AbortContinue          AbortPolicy = "continue"
	AbortOnRequiredFailure AbortPolicy = "on_required_failure"
	AbortOnAnyFailure      AbortPolicy = "on_any_failure"
)

// RunIf gates a subrequest against its predecessors' outcomes.
type RunIf string

const (
	RunIfSuccess   RunIf = "success"
	RunIfCompleted RunIf = "completed"
	RunIfAlways    RunIf = "always"
)

// Status is a subrequest's terminal (or pending) outcome.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Subrequest is one routed call within a Plan.
type Subrequest struct {
	SubrequestID string
	SegmentID    string
	Butler       string
	Prompt       string
	DependsOn    []string
	RunIf        RunIf
	Required     bool
}

// Plan is the ordered set of subrequests derived from a classification
// pass, plus the policies governing how they execute.
type Plan struct {
	RequestID   uuid.UUID
	Mode        Mode
	JoinPolicy  JoinPolicy
	AbortPolicy AbortPolicy
	Subrequests []Subrequest
}

// SubrequestHint overrides the default wiring for one classification entry,
// keyed by butler name.
type SubrequestHint struct {
	DependsOn []string
	RunIf     RunIf
	Required  bool
}

// Hints carries the overrides for BuildPlan. A zero Hints produces the
// default: parallel, wait_for_all, continue, every subrequest independent
// and optional. SwitchboardDaemon.process always passes a zero Hints;
// nothing translates an envelope's routing_hints into Hints.
type Hints struct {
	Mode        Mode
	JoinPolicy  JoinPolicy
	AbortPolicy AbortPolicy
	PerButler   map[string]SubrequestHint
}

// BuildPlan constructs a Plan from classification entries for requestID,
// applying hints and defaulting an absent field to the default policy.
func BuildPlan(requestID uuid.UUID, entries []classifier.Entry, hints Hints) (*Plan, error) {
	mode := hints.Mode
	if mode == "" {
		mode = ModeParallel
	}
	join := hints.JoinPolicy
	if join == "" {
		join = JoinWaitForAll
	}
	abort := hints.AbortPolicy
	if abort == "" {
		abort = AbortContinue
	}

	subs := make([]Subrequest, 0, len(entries))
	for i, e := range entries {
		sub := Subrequest{
			SubrequestID: fmt.Sprintf("%s-%d", requestID, i),
			SegmentID:    e.Segment.Rationale,
			Butler:       e.Butler,
			Prompt:       e.Prompt,
			RunIf:        RunIfAlways,
		}
		if h, ok := hints.PerButler[e.Butler]; ok {
			sub.DependsOn = h.DependsOn
			sub.Required = h.Required
			if h.RunIf != "" {
				sub.RunIf = h.RunIf
			}
		}
		subs = append(subs, sub)
	}

	plan := &Plan{RequestID: requestID, Mode: mode, JoinPolicy: join, AbortPolicy: abort, Subrequests: subs}
	if err := validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// validate checks depends_on acyclicity and that every dependency refers to
// another subrequest actually present in the plan.
func validate(p *Plan) error {
	bySubID := make(map[string]Subrequest, len(p.Subrequests))
	for _, s := range p.Subrequests {
		bySubID[s.SubrequestID] = s
	}
	for _, s := range p.Subrequests {
		for _, dep := range s.DependsOn {
			if _, ok := bySubID[dep]; !ok {
				return fmt.Errorf("fanout: subrequest %s depends on unknown subrequest %s", s.SubrequestID, dep)
			}
		}
	}

	_, err := topoOrder(p.Subrequests)
	return err
}

// topoOrder returns subrequests in dependency order via Kahn's algorithm,
// erroring on any cycle.
func topoOrder(subs []Subrequest) ([]string, error) {
	inDegree := make(map[string]int, len(subs))
	dependents := make(map[string][]string, len(subs))
	for _, s := range subs {
		if _, ok := inDegree[s.SubrequestID]; !ok {
			inDegree[s.SubrequestID] = 0
		}
	}
	for _, s := range subs {
		for _, dep := range s.DependsOn {
			inDegree[s.SubrequestID]++
			dependents[dep] = append(dependents[dep], s.SubrequestID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(subs) {
		return nil, fmt.Errorf("fanout: circular depends_on among %d subrequests", len(subs)-len(order))
	}
	return order, nil
}
