// Package scheduler implements the Scheduler: fires scheduled tasks when
// due, driven by an internal ticker and reachable via the MCP `tick` tool
// for external stimulation.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tzeusy/butlers/internal/spawner"
	"github.com/tzeusy/butlers/internal/state"
)

// DispatchMode selects how a task fires.
type DispatchMode string

const (
	DispatchPrompt DispatchMode = "prompt"
	DispatchJob    DispatchMode = "job"
)

// Task mirrors one row of the per-butler scheduled_tasks table.
type Task struct {
	ButlerName   string
	Name         string
	Cron         string
	DispatchMode DispatchMode
	JobName      sql.NullString
	JobArgs      json.RawMessage
	Prompt       sql.NullString
	Enabled      bool
	LastRunAt    sql.NullTime
	NextRunAt    sql.NullTime
}

// JobHandler is a registered native handler for dispatch_mode="job" tasks.
// No LLM invocation, no session row.
type JobHandler func(ctx context.Context, jobArgs json.RawMessage) error

// Scheduler fires due tasks for one butler.
type Scheduler struct {
	db       *sql.DB
	spawner  *spawner.Spawner
	interval time.Duration // the ticker's own cadence, for ButlerOffset bounding
	jobs     map[string]JobHandler
}

// New returns a Scheduler backed by db (the butler's own schema) and
// spawner (for dispatch_mode="prompt" tasks).
func New(db *sql.DB, sp *spawner.Spawner, tickInterval time.Duration) *Scheduler {
	return &Scheduler{db: db, spawner: sp, interval: tickInterval, jobs: make(map[string]JobHandler)}
}

// RegisterJob registers a native job handler under name, for
// dispatch_mode="job" tasks whose job_name matches.
func (s *Scheduler) RegisterJob(name string, h JobHandler) {
	s.jobs[name] = h
}

// UpsertTask creates or updates a scheduled task and computes its initial
// next_run_at (butler-offset applied).
func (s *Scheduler) UpsertTask(ctx context.Context, t Task) error {
	expr, err := ParseExpr(t.Cron)
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron %q: %w", t.Cron, err)
	}
	next, ok := expr.Next(time.Now().UTC())
	if !ok {
		return fmt.Errorf("scheduler: cron %q never fires within the search horizon", t.Cron)
	}
	next = next.Add(ButlerOffset(t.ButlerName, s.interval))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (butler_name, name, cron, dispatch_mode, job_name, job_args, prompt, enabled, next_run_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (butler_name, name) DO UPDATE SET
			cron = EXCLUDED.cron, dispatch_mode = EXCLUDED.dispatch_mode, job_name = EXCLUDED.job_name,
			job_args = EXCLUDED.job_args, prompt = EXCLUDED.prompt, enabled = EXCLUDED.enabled
	`, t.ButlerName, t.Name, t.Cron, t.DispatchMode, t.JobName, t.JobArgs, t.Prompt, t.Enabled, next)
	if err != nil {
		return fmt.Errorf("scheduler: upsert task %s/%s: %w", t.ButlerName, t.Name, err)
	}
	return nil
}

// Tick fires every due, enabled task exactly once. Idempotency within a
// cycle is enforced by the UPDATE below: the claim-and-advance write only
// succeeds for the row whose next_run_at is still in the past, so a second
// Tick call immediately afterward finds nothing to claim.
func (s *Scheduler) Tick(ctx context.Context, butlerName string) error {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, cron, dispatch_mode, job_name, job_args, prompt, enabled, last_run_at, next_run_at
		FROM scheduled_tasks WHERE butler_name = $1 AND enabled AND next_run_at <= $2
	`, butlerName, now)
	if err != nil {
		return fmt.Errorf("scheduler: list due tasks: %w", err)
	}
	var due []Task
	for rows.Next() {
		t := Task{ButlerName: butlerName}
		var jobArgs []byte
		if err := rows.Scan(&t.Name, &t.Cron, &t.DispatchMode, &t.JobName, &jobArgs, &t.Prompt, &t.Enabled, &t.LastRunAt, &t.NextRunAt); err != nil {
			rows.Close()
			return fmt.Errorf("scheduler: scan due task: %w", err)
		}
		t.JobArgs = json.RawMessage(jobArgs)
		due = append(due, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range due {
		if err := s.fireOnce(ctx, t, now); err != nil {
			slog.Error("scheduler: task fire failed", "butler", butlerName, "task", t.Name, "err", err)
		}
	}
	return nil
}

// fireOnce claims t via CAS on next_run_at, then dispatches it. Claim
// failure (0 rows affected) means another Tick call already claimed this
// cycle — a silent no-op
func (s *Scheduler) fireOnce(ctx context.Context, t Task, now time.Time) error {
	expr, err := ParseExpr(t.Cron)
	if err != nil {
		return fmt.Errorf("reparse cron: %w", err)
	}
	next, ok := expr.Next(now)
	if !ok {
		return fmt.Errorf("cron %q has no next occurrence within the search horizon", t.Cron)
	}
	next = next.Add(ButlerOffset(t.ButlerName, s.interval))

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run_at = $3, next_run_at = $4
		WHERE butler_name = $1 AND name = $2 AND next_run_at <= $3
	`, t.ButlerName, t.Name, now, next)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim task rows affected: %w", err)
	}
	if affected == 0 {
		return nil // already claimed this cycle
	}

	switch t.DispatchMode {
	case DispatchJob:
		return s.runJob(ctx, t)
	default:
		return s.runPrompt(ctx, t)
	}
}

func (s *Scheduler) runPrompt(ctx context.Context, t Task) error {
	if !t.Prompt.Valid {
		return fmt.Errorf("task %s/%s: dispatch_mode=prompt requires a prompt", t.ButlerName, t.Name)
	}
	_, err := s.spawner.Trigger(ctx, t.Prompt.String, state.TriggerSchedule, nil)
	return err
}

// runJob executes a registered native handler, writing an audit row to
// job_runs. No session row is written and the spawner is never invoked —
// the binding decision on dispatch_mode="job" auditability (see DESIGN.md).
func (s *Scheduler) runJob(ctx context.Context, t Task) error {
	if !t.JobName.Valid {
		return fmt.Errorf("task %s/%s: dispatch_mode=job requires a job_name", t.ButlerName, t.Name)
	}
	handler, ok := s.jobs[t.JobName.String]
	if !ok {
		return fmt.Errorf("task %s/%s: no handler registered for job %q", t.ButlerName, t.Name, t.JobName.String)
	}

	var runID int64
	startedAt := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job_runs (butler_name, task_name, job_name, started_at, status)
		VALUES ($1,$2,$3,$4,'running') RETURNING id
	`, t.ButlerName, t.Name, t.JobName.String, startedAt).Scan(&runID)
	if err != nil {
		return fmt.Errorf("insert job_runs row: %w", err)
	}

	jobErr := handler(ctx, t.JobArgs)

	status := "completed"
	var errMsg sql.NullString
	if jobErr != nil {
		status = "error"
		errMsg = sql.NullString{String: jobErr.Error(), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET finished_at = $2, status = $3, error = $4 WHERE id = $1
	`, runID, time.Now().UTC(), status, errMsg); err != nil {
		return fmt.Errorf("finalize job_runs row: %w", err)
	}
	return jobErr
}
