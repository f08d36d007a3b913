package fanout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tzeusy/butlers/internal/router"
)

// RouterInvoker is the subset of *router.Router the Dispatcher needs.
type RouterInvoker interface {
	Invoke(ctx context.Context, callerIdentity, targetButler, toolName string, args json.RawMessage, sessionID string) (*router.ToolResult, error)
}

// Config tunes dispatch behavior.
type Config struct {
	CallerIdentity    string
	ToolName          string
	SubrequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallerIdentity == "" {
		c.CallerIdentity = "switchboard"
	}
	if c.ToolName == "" {
		c.ToolName = "trigger"
	}
	if c.SubrequestTimeout <= 0 {
		c.SubrequestTimeout = 60 * time.Second
	}
	return c
}

// Dispatcher executes Plans against a Router and records the outcome.
type Dispatcher struct {
	db  *sql.DB
	rtr RouterInvoker
	cfg Config
}

// New returns a Dispatcher that persists to db (the butler-owning schema
// that also holds message_inbox/routing_log/fanout_execution_log) and
// routes subrequests through rtr.
func New(db *sql.DB, rtr RouterInvoker, cfg Config) *Dispatcher {
	return &Dispatcher{db: db, rtr: rtr, cfg: cfg.withDefaults()}
}

// Result is one subrequest's outcome after Execute returns.
type Result struct {
	Subrequest Subrequest
	Status     Status
}

// ExecutionResult is the whole plan's outcome.
type ExecutionResult struct {
	FinalStatus string
	Results     []Result
}

// Execute runs every subrequest in plan according to its mode, join policy,
// and abort policy, persists per-subrequest and per-plan outcomes, and
// returns the aggregate result.
//
// Binding decision: when JoinPolicy is first_success, AbortPolicy is never
// allowed to abort the plan on a failure — first_success always takes
// precedence over on_required_failure/on_any_failure. Subrequests that are
// still in flight when a first_success win occurs are cancelled and
// recorded as "cancelled", never "failed".
func (d *Dispatcher) Execute(ctx context.Context, plan *Plan) (*ExecutionResult, error) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		statuses = make(map[string]Status, len(plan.Subrequests))
		aborted  atomic.Bool
		won      atomic.Bool
		wg       sync.WaitGroup
	)

	done := make(map[string]chan struct{}, len(plan.Subrequests))
	for _, sub := range plan.Subrequests {
		done[sub.SubrequestID] = make(chan struct{})
	}

	setStatus := func(id string, st Status) {
		mu.Lock()
		statuses[id] = st
		mu.Unlock()
	}
	statusOf := func(id string) Status {
		mu.Lock()
		defer mu.Unlock()
		return statuses[id]
	}

	for _, sub := range plan.Subrequests {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[sub.SubrequestID])

			if plan.Mode != ModeParallel {
				for _, dep := range sub.DependsOn {
					<-done[dep]
				}
				if !gatePasses(sub.RunIf, sub.DependsOn, statusOf) {
					setStatus(sub.SubrequestID, StatusSkipped)
					d.recordSubrequest(ctx, plan.RequestID, sub, StatusSkipped, "")
					return
				}
			}

			if won.Load() || (aborted.Load() && plan.JoinPolicy != JoinFirstSuccess) {
				setStatus(sub.SubrequestID, StatusCancelled)
				d.recordSubrequest(ctx, plan.RequestID, sub, StatusCancelled, "")
				return
			}

			setStatus(sub.SubrequestID, StatusRunning)
			st := d.invoke(dispatchCtx, plan.RequestID, sub)
			setStatus(sub.SubrequestID, st)

			switch st {
			case StatusSuccess:
				if plan.JoinPolicy == JoinFirstSuccess {
					won.Store(true)
					cancel()
				}
			case StatusFailed, StatusTimeout:
				if plan.JoinPolicy == JoinFirstSuccess {
					break
				}
				if plan.AbortPolicy == AbortOnAnyFailure {
					aborted.Store(true)
				} else if plan.AbortPolicy == AbortOnRequiredFailure && sub.Required {
					aborted.Store(true)
				}
			}
		}()
	}

	wg.Wait()

	results := make([]Result, len(plan.Subrequests))
	for i, sub := range plan.Subrequests {
		results[i] = Result{Subrequest: sub, Status: statusOf(sub.SubrequestID)}
	}

	final := finalStatus(plan.JoinPolicy, results)
	if err := d.recordPlan(ctx, plan, final, results); err != nil {
		slog.Error("fanout: record plan outcome failed", "request_id", plan.RequestID, "err", err)
	}

	return &ExecutionResult{FinalStatus: final, Results: results}, nil
}

// gatePasses evaluates sub.RunIf against the recorded statuses of its
// dependencies, for ordered/conditional execution.
func gatePasses(runIf RunIf, dependsOn []string, statusOf func(string) Status) bool {
	if runIf == RunIfAlways || len(dependsOn) == 0 {
		return true
	}
	for _, dep := range dependsOn {
		st := statusOf(dep)
		switch runIf {
		case RunIfSuccess:
			if st != StatusSuccess {
				return false
			}
		case RunIfCompleted:
			if st != StatusSuccess && st != StatusFailed && st != StatusTimeout && st != StatusCancelled {
				return false
			}
		}
	}
	return true
}

// invoke calls the Router for one subrequest, applying the per-subrequest
// timeout, and classifies the outcome as success/failed/timeout/cancelled.
func (d *Dispatcher) invoke(dispatchCtx context.Context, requestID uuid.UUID, sub Subrequest) Status {
	callCtx, cancel := context.WithTimeout(dispatchCtx, d.cfg.SubrequestTimeout)
	defer cancel()

	args, err := json.Marshal(map[string]interface{}{"prompt": sub.Prompt})
	if err != nil {
		d.recordSubrequestErr(context.Background(), requestID, sub, StatusFailed, "marshal_error")
		return StatusFailed
	}

	_, err = d.rtr.Invoke(callCtx, d.cfg.CallerIdentity, sub.Butler, d.cfg.ToolName, args, "")
	if err == nil {
		d.recordSubrequest(context.Background(), requestID, sub, StatusSuccess, "")
		return StatusSuccess
	}

	var st Status
	switch {
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		st = StatusTimeout
	case dispatchCtx.Err() != nil:
		st = StatusCancelled
	default:
		st = StatusFailed
	}
	d.recordSubrequestErr(context.Background(), requestID, sub, st, err.Error())
	return st
}

// finalStatus rolls per-subrequest results up into one plan-level status.
func finalStatus(join JoinPolicy, results []Result) string {
	var success, failure int
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			success++
		case StatusFailed, StatusTimeout:
			failure++
		}
	}
	switch {
	case join == JoinFirstSuccess && success > 0:
		return "completed"
	case failure == 0:
		return "completed"
	case success > 0:
		return "partial_failure"
	default:
		return "failed"
	}
}

func (d *Dispatcher) recordSubrequest(ctx context.Context, requestID uuid.UUID, sub Subrequest, status Status, errKind string) {
	now := time.Now().UTC()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO routing_log (request_id, subrequest_id, butler_name, tool_name, status, error_kind, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$7)
	`, requestID, sub.SubrequestID, sub.Butler, d.cfg.ToolName, string(status), errKind, now)
	if err != nil {
		slog.Error("fanout: record subrequest failed", "subrequest_id", sub.SubrequestID, "err", err)
	}
}

func (d *Dispatcher) recordSubrequestErr(ctx context.Context, requestID uuid.UUID, sub Subrequest, status Status, errKind string) {
	d.recordSubrequest(ctx, requestID, sub, status, errKind)
}

func (d *Dispatcher) recordPlan(ctx context.Context, plan *Plan, final string, results []Result) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fanout: begin record tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fanout_execution_log (request_id, mode, join_policy, abort_policy, final_status)
		VALUES ($1,$2,$3,$4,$5)
	`, plan.RequestID, string(plan.Mode), string(plan.JoinPolicy), string(plan.AbortPolicy), final)
	if err != nil {
		return fmt.Errorf("fanout: insert execution log: %w", err)
	}

	summary := make(map[string]string, len(results))
	for _, r := range results {
		summary[r.Subrequest.SubrequestID] = string(r.Status)
	}
	blob, err := json.Marshal(map[string]interface{}{"final_status": final, "subrequests": summary})
	if err != nil {
		return fmt.Errorf("fanout: marshal routing results: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE message_inbox SET routing_results = $1 WHERE request_id = $2`, blob, plan.RequestID)
	if err != nil {
		return fmt.Errorf("fanout: update message_inbox: %w", err)
	}

	return tx.Commit()
}
