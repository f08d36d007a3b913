// Package router implements the Router: MCP client caching and target
// invocation, including eligibility gating, the unknown-tool retry, and
// failure-driven quarantine.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tzeusy/butlers/internal/corerr"
	"github.com/tzeusy/butlers/internal/registry"
)

// RoutingTarget is the subset of *registry.Registry the Router needs.
type RoutingTarget interface {
	ResolveRoutingTarget(ctx context.Context, name string) (*registry.Entry, error)
	Quarantine(ctx context.Context, name, reason string) error
}

// Config tunes quarantine-on-repeated-failure behavior.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	// TrustedCallers maps a target butler name to the set of caller endpoint
	// identities permitted to route to it. Absent entries default to
	// {"switchboard"}.
	TrustedCallers map[string][]string
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 5 * time.Minute
	}
	return c
}

// Router resolves a target butler via the registry, maintains one cached
// client per endpoint URL, and invokes tools on it.
type Router struct {
	reg RoutingTarget
	cfg Config

	mu      sync.Mutex
	clients map[string]*client
	fails   map[string]*failureTracker
}

type failureTracker struct {
	count       int
	windowStart time.Time
}

// New returns a Router backed by reg.
func New(reg RoutingTarget, cfg Config) *Router {
	return &Router{
		reg:     reg,
		cfg:     cfg.withDefaults(),
		clients: make(map[string]*client),
		fails:   make(map[string]*failureTracker),
	}
}

// Invoke calls toolName on targetButler with args, on behalf of
// callerIdentity. sessionID, when non-empty, is threaded into the request
// so the target can bind the call back to a runtime session.
func (r *Router) Invoke(ctx context.Context, callerIdentity, targetButler, toolName string, args json.RawMessage, sessionID string) (*ToolResult, error) {
	if !r.authorized(callerIdentity, targetButler) {
		return nil, corerr.New(corerr.KindValidation,
			fmt.Sprintf("router: %s is not a trusted caller for %s", callerIdentity, targetButler), nil)
	}

	entry, err := r.reg.ResolveRoutingTarget(ctx, targetButler)
	if err != nil {
		return nil, corerr.New(corerr.KindTargetQuarantined, fmt.Sprintf("router: %s not eligible", targetButler), err)
	}

	c := r.clientFor(ctx, entry.EndpointURL)

	result, err := c.CallTool(ctx, toolName, args, sessionID)
	if err == errUnknownTool {
		result, err = r.retryAsTrigger(ctx, c, args, sessionID)
	}

	r.recordOutcome(ctx, targetButler, err)
	return result, err
}

// retryAsTrigger maps the call onto the target's generic "trigger" tool,
// falling back prompt/message as the argument key.
func (r *Router) retryAsTrigger(ctx context.Context, c *client, args json.RawMessage, sessionID string) (*ToolResult, error) {
	var parsed map[string]interface{}
	_ = json.Unmarshal(args, &parsed)

	prompt, _ := parsed["prompt"].(string)
	if prompt == "" {
		prompt, _ = parsed["message"].(string)
	}
	mapped, err := json.Marshal(map[string]interface{}{"prompt": prompt})
	if err != nil {
		return nil, corerr.New(corerr.KindInternal, "router: marshal trigger fallback args", err)
	}
	return c.CallTool(ctx, "trigger", mapped, sessionID)
}

// clientFor returns the cached client for endpointURL, probing its health
// before reuse and discarding/recreating it on failure.
func (r *Router) clientFor(ctx context.Context, endpointURL string) *client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[endpointURL]; ok {
		if c.Healthy(ctx) {
			return c
		}
		delete(r.clients, endpointURL)
	}
	c := newClient(endpointURL)
	r.clients[endpointURL] = c
	return c
}

func (r *Router) authorized(callerIdentity, targetButler string) bool {
	allowed, ok := r.cfg.TrustedCallers[targetButler]
	if !ok {
		allowed = []string{"switchboard"}
	}
	for _, a := range allowed {
		if a == callerIdentity {
			return true
		}
	}
	return false
}

// recordOutcome tracks consecutive target_unavailable failures per butler
// within a rolling window; crossing the threshold quarantines the butler
//. Any non-target_unavailable outcome resets the
// counter.
func (r *Router) recordOutcome(ctx context.Context, butler string, err error) {
	kind, ok := corerr.As(err)
	if err == nil || !ok || kind != corerr.KindTargetUnavailable {
		r.mu.Lock()
		delete(r.fails, butler)
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	now := time.Now().UTC()
	t, exists := r.fails[butler]
	if !exists || now.Sub(t.windowStart) > r.cfg.FailureWindow {
		t = &failureTracker{windowStart: now}
		r.fails[butler] = t
	}
	t.count++
	shouldQuarantine := t.count >= r.cfg.FailureThreshold
	if shouldQuarantine {
		delete(r.fails, butler)
	}
	r.mu.Unlock()

	if shouldQuarantine {
		if qerr := r.reg.Quarantine(ctx, butler, "repeated_route_failures"); qerr != nil {
			// best-effort; the caller's original routing error still propagates
			_ = qerr
		}
	}
}
