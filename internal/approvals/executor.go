package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ToolInvoker runs a tool call for real, once an approval has cleared the
// gate. It is the same shape the Router/Spawner use to reach a registered
// tool handler, kept narrow here so this package doesn't need to import
// either.
type ToolInvoker func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error)

// Executor runs approved actions exactly once, even under concurrent
// callers racing to execute the same action_id.
type Executor struct {
	store *Store
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewExecutor returns an Executor backed by store.
func NewExecutor(store *Store) *Executor {
	return &Executor{store: store, locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (e *Executor) lockFor(actionID uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[actionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[actionID] = l
	}
	return l
}

// Execute runs invoke for actionID's tool call, exactly once. If the
// action is already executed, it replays the stored execution_result
// without invoking anything. If the action isn't approved, it errors
// without invoking anything.
func (e *Executor) Execute(ctx context.Context, actionID uuid.UUID, invoke ToolInvoker) (json.RawMessage, error) {
	l := e.lockFor(actionID)
	l.Lock()
	defer l.Unlock()

	pa, err := e.store.Get(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("approvals: lookup action %s: %w", actionID, err)
	}
	if pa.Status == StatusExecuted {
		return pa.ExecutionResult, nil
	}
	if pa.Status != StatusApproved {
		return nil, fmt.Errorf("approvals: action %s is %q, not approved", actionID, pa.Status)
	}

	result, err := invoke(ctx, pa.ToolName, pa.ToolArgs)
	if err != nil {
		return nil, fmt.Errorf("approvals: execute action %s: %w", actionID, err)
	}
	if result == nil {
		result = json.RawMessage("null")
	}

	ok, err := e.store.markExecuted(ctx, actionID, result)
	if err != nil {
		return nil, fmt.Errorf("approvals: mark executed %s: %w", actionID, err)
	}
	if !ok {
		// Another process already moved the action off "approved" between
		// our Get and our write (e.g. a second executor instance). Replay
		// whatever it landed on.
		pa, err = e.store.Get(ctx, actionID)
		if err != nil {
			return nil, err
		}
		return pa.ExecutionResult, nil
	}
	return result, nil
}
