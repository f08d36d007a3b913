// Package moduleloader implements the Module Loader: topological module
// startup with cascade failure tracking.
package moduleloader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tzeusy/butlers/internal/tools"
)

// Status is a module's lifecycle state after a Loader.Start pass.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusFailed        Status = "failed"
	StatusCascadeFailed Status = "cascade_failed"
	StatusStoppedClean  Status = "stopped"
)

// Module is the small capability set every module implements — composed,
// not inherited.
type Module interface {
	Name() string
	Dependencies() []string
	// MigrationRevisions returns the chain name (if any) this module's own
	// schema migrations live under. Empty string means no migrations. The
	// Loader does not call it, and NewButler applies only the shared and
	// butler chains, so no module chain is run.
	MigrationRevisions() string
	OnStartup(ctx context.Context) error
	OnShutdown(ctx context.Context) error
	RegisterTools(r *tools.Registry) error
}

// Result records one module's outcome.
type Result struct {
	Module Status
	Err    error
}

// Loader topologically starts and stops a set of modules.
type Loader struct {
	modules map[string]Module
	order   []string // topological order, computed once by Start
	status  map[string]Status
	errs    map[string]error
}

// New returns a Loader over modules. Registration order does not matter;
// Start computes the dependency order.
func New(modules []Module) *Loader {
	idx := make(map[string]Module, len(modules))
	for _, m := range modules {
		idx[m.Name()] = m
	}
	return &Loader{
		modules: idx,
		status:  make(map[string]Status, len(modules)),
		errs:    make(map[string]error, len(modules)),
	}
}

// Start runs OnStartup for every module in dependency order. A module whose
// dependency failed (or cascade-failed) is marked cascade_failed without
// being started; every other failure mode is isolated to that module.
// Start returns an error only when the modules cannot be ordered (an
// unknown dependency or a cycle); no module is started in that case.
func (l *Loader) Start(ctx context.Context, registry *tools.Registry) error {
	order, err := topoSort(l.modules)
	if err != nil {
		return fmt.Errorf("moduleloader: %w", err)
	}
	l.order = order

	for _, name := range order {
		m := l.modules[name]

		if failedDep, ok := l.failedDependency(m); ok {
			l.status[name] = StatusCascadeFailed
			l.errs[name] = fmt.Errorf("dependency %q did not start", failedDep)
			slog.Warn("moduleloader: cascade failure", "module", name, "failed_dependency", failedDep)
			continue
		}

		if err := m.OnStartup(ctx); err != nil {
			l.status[name] = StatusFailed
			l.errs[name] = err
			slog.Error("moduleloader: module startup failed", "module", name, "err", err)
			continue
		}
		if err := m.RegisterTools(registry); err != nil {
			l.status[name] = StatusFailed
			l.errs[name] = err
			slog.Error("moduleloader: module tool registration failed", "module", name, "err", err)
			continue
		}
		l.status[name] = StatusRunning
	}
	return nil
}

// failedDependency reports the first dependency of m that is not running.
func (l *Loader) failedDependency(m Module) (string, bool) {
	for _, dep := range m.Dependencies() {
		if l.status[dep] != StatusRunning {
			return dep, true
		}
	}
	return "", false
}

// Shutdown stops every running module in reverse start order.
func (l *Loader) Shutdown(ctx context.Context) {
	for i := len(l.order) - 1; i >= 0; i-- {
		name := l.order[i]
		if l.status[name] != StatusRunning {
			continue
		}
		if err := l.modules[name].OnShutdown(ctx); err != nil {
			slog.Error("moduleloader: module shutdown failed", "module", name, "err", err)
			continue
		}
		l.status[name] = StatusStoppedClean
	}
}

// Status returns the current status of a module, or "" if unknown.
func (l *Loader) Status(name string) Status { return l.status[name] }

// Results returns every module's final {status, err}.
func (l *Loader) Results() map[string]Result {
	out := make(map[string]Result, len(l.status))
	for name, st := range l.status {
		out[name] = Result{Module: st, Err: l.errs[name]}
	}
	return out
}

// topoSort orders modules by Kahn's algorithm so every module starts after
// all of its declared dependencies.
func topoSort(modules map[string]Module) ([]string, error) {
	inDegree := make(map[string]int, len(modules))
	dependents := make(map[string][]string, len(modules))

	for name := range modules {
		inDegree[name] = 0
	}
	for name, m := range modules {
		for _, dep := range m.Dependencies() {
			if _, ok := modules[dep]; !ok {
				return nil, fmt.Errorf("module %q depends on unknown module %q", name, dep)
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(modules) {
		return nil, fmt.Errorf("circular module dependency detected among %d modules", len(modules)-len(order))
	}
	return order, nil
}
