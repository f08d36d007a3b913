// Package spawner implements the Spawner: invokes a runtime adapter to run
// one ephemeral LLM-CLI turn for a butler, serialized per butler. One
// Spawner instance belongs to exactly one butler daemon.
package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tzeusy/butlers/internal/corerr"
	"github.com/tzeusy/butlers/internal/credentials"
	"github.com/tzeusy/butlers/internal/runtime"
	"github.com/tzeusy/butlers/internal/state"
)

// SystemPromptLoader returns the butler's system prompt (and, when a memory
// module is active, the memory context to append after a blank line).
type SystemPromptLoader interface {
	Load(ctx context.Context) (systemPrompt string, memoryContext string, err error)
}

// Config configures one butler's Spawner.
type Config struct {
	ButlerName string
	// Adapter invokes the LLM CLI. See internal/runtime.
	Adapter runtime.Adapter
	// Sessions is the butler's own session store.
	Sessions *state.Store
	// Credentials resolves core and module secrets for the env sandbox.
	Credentials *credentials.Store
	// CoreCredentialNames are resolved into every session's environment
	// regardless of which module is active (e.g. the runtime adapter's own
	// API key).
	CoreCredentialNames []string
	// ModuleCredentialNames are the butler's declared module credentials.
	ModuleCredentialNames []string
	// Prompts loads the system prompt (and memory context, if any).
	Prompts SystemPromptLoader
	// MCPEndpointURL is this butler's own MCP endpoint, injected into the
	// sandboxed session's MCP config.
	MCPEndpointURL string
	// Model is the default model passed to the adapter.
	Model string
	// Timeout bounds a single adapter invocation.
	Timeout time.Duration
	// MaxQueued bounds how many external callers may wait for the lock
	// before new triggers are rejected as overload_rejected.
	MaxQueued int
}

// Spawner serializes all sessions for one butler behind a single lock.
type Spawner struct {
	cfg Config

	mu     sync.Mutex // the serial dispatch lock itself
	busy   bool
	queued int
	qmu    sync.Mutex
}

// New returns a Spawner for the given config.
func New(cfg Config) *Spawner {
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 8
	}
	return &Spawner{cfg: cfg}
}

// Trigger runs one session for prompt, blocking until the butler's dispatch
// lock is free (subject to MaxQueued) and the adapter returns. triggerSource
// identifies who asked for this turn (state.TriggerSource); a nested
// self-invocation (triggerSource == state.TriggerTrigger) while the lock is
// already held fails fast to avoid deadlock.
func (s *Spawner) Trigger(ctx context.Context, prompt string, triggerSource state.TriggerSource, parentSessionID *string) (*state.Session, error) {
	if err := s.acquire(triggerSource); err != nil {
		return nil, err
	}
	defer s.release()

	startedAt := time.Now().UTC()

	systemPrompt, memoryContext, err := s.cfg.Prompts.Load(ctx)
	if err != nil {
		return nil, corerr.New(corerr.KindInternal, "load system prompt", err)
	}
	if memoryContext != "" {
		systemPrompt = systemPrompt + "\n\n" + memoryContext
	}

	sess := &state.Session{
		ButlerName:    s.cfg.ButlerName,
		TriggerSource: triggerSource,
		Prompt:        prompt,
		Model:         s.cfg.Model,
		CreatedAt:     startedAt,
	}
	if parentSessionID != nil {
		if parsed, perr := uuid.Parse(*parentSessionID); perr == nil {
			sess.ParentSessionID = &parsed
		}
	}
	if err := s.cfg.Sessions.InsertRunning(ctx, sess); err != nil {
		return nil, corerr.New(corerr.KindInternal, "insert running session", err)
	}

	env, err := s.buildEnv(ctx)
	if err != nil {
		return s.fail(ctx, sess, startedAt, err)
	}

	req := runtime.InvokeRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Model:        s.cfg.Model,
		Timeout:      s.cfg.Timeout,
		Env:          env,
		MCPServers: []runtime.MCPServerConfig{{
			Name:             s.cfg.ButlerName,
			URL:              s.cfg.MCPEndpointURL,
			RuntimeSessionID: sess.SessionID.String(),
		}},
	}

	result, invokeErr := s.cfg.Adapter.Invoke(ctx, req)
	if invokeErr != nil {
		return s.fail(ctx, sess, startedAt, invokeErr)
	}

	toolCalls, _ := json.Marshal(result.ToolCalls)
	completedAt := time.Now().UTC()
	durationMS := completedAt.Sub(startedAt).Milliseconds()
	if err := s.cfg.Sessions.Complete(ctx, sess.SessionID, state.SessionCompleted, completedAt,
		durationMS, toolCalls, result.Usage.InputTokens, result.Usage.OutputTokens, nil); err != nil {
		return nil, corerr.New(corerr.KindInternal, "complete session", err)
	}
	sess.Status = state.SessionCompleted
	sess.CompletedAt = &completedAt
	sess.DurationMS = &durationMS
	return sess, nil
}

// fail finalizes sess as errored and returns the original error to the
// caller. The lock is always released via the caller's defer: adapter
// errors end the session with status=error, but the lock release is
// unconditional.
func (s *Spawner) fail(ctx context.Context, sess *state.Session, startedAt time.Time, cause error) (*state.Session, error) {
	completedAt := time.Now().UTC()
	durationMS := completedAt.Sub(startedAt).Milliseconds()
	msg := cause.Error()
	_ = s.cfg.Sessions.Complete(ctx, sess.SessionID, state.SessionError, completedAt, durationMS, nil, 0, 0, &msg)
	return nil, cause
}

// acquire implements the serial-lock + bounded-queue semantics. Nested
// self-triggers never wait; everything else queues up to MaxQueued before
// rejecting.
func (s *Spawner) acquire(triggerSource state.TriggerSource) error {
	s.qmu.Lock()
	if s.busy {
		if triggerSource == state.TriggerTrigger {
			s.qmu.Unlock()
			return corerr.New(corerr.KindOverloadRejected,
				fmt.Sprintf("butler %s: nested trigger while a session is running", s.cfg.ButlerName), nil)
		}
		if s.queued >= s.cfg.MaxQueued {
			s.qmu.Unlock()
			return corerr.New(corerr.KindOverloadRejected,
				fmt.Sprintf("butler %s: dispatch queue full (%d)", s.cfg.ButlerName, s.cfg.MaxQueued), nil)
		}
		s.queued++
	}
	s.qmu.Unlock()

	s.mu.Lock()

	s.qmu.Lock()
	if s.queued > 0 {
		s.queued--
	}
	s.busy = true
	s.qmu.Unlock()
	return nil
}

func (s *Spawner) release() {
	s.qmu.Lock()
	s.busy = false
	s.qmu.Unlock()
	s.mu.Unlock()
}

// buildEnv resolves the fresh environment sandbox: PATH, core credentials,
// and the butler's declared module credentials. The host environment is
// never copied in wholesale.
func (s *Spawner) buildEnv(ctx context.Context) (map[string]string, error) {
	env := map[string]string{"PATH": os.Getenv("PATH")}

	names := append(append([]string{}, s.cfg.CoreCredentialNames...), s.cfg.ModuleCredentialNames...)
	resolved := s.cfg.Credentials.ResolveAll(ctx, names)
	for _, name := range names {
		if v, ok := resolved[name]; ok {
			env[envKeyFor(name)] = v
		}
	}
	return env, nil
}

func envKeyFor(credentialName string) string {
	out := make([]rune, 0, len(credentialName))
	for _, r := range credentialName {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
