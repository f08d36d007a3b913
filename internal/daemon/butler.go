package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tzeusy/butlers/internal/approvals"
	"github.com/tzeusy/butlers/internal/credentials"
	"github.com/tzeusy/butlers/internal/moduleloader"
	"github.com/tzeusy/butlers/internal/notify"
	"github.com/tzeusy/butlers/internal/registry"
	"github.com/tzeusy/butlers/internal/runtime"
	"github.com/tzeusy/butlers/internal/schema"
	"github.com/tzeusy/butlers/internal/scheduler"
	"github.com/tzeusy/butlers/internal/spawner"
	"github.com/tzeusy/butlers/internal/state"
	"github.com/tzeusy/butlers/internal/tools"
)

// ButlerConfig configures one ButlerDaemon. The zero value is not usable;
// Name, DSN, ListenAddr, RuntimeAdapter, and Prompts are required.
type ButlerConfig struct {
	Name         string
	ButlerSchema string // defaults to Name
	DSN          string
	ListenAddr   string

	MasterKey             []byte
	EnvPrefix             string
	CoreCredentialNames   []string
	ModuleCredentialNames []string

	RuntimeAdapter runtime.Adapter
	Prompts        spawner.SystemPromptLoader
	Model          string
	InvokeTimeout  time.Duration
	MaxQueued      int

	TickInterval time.Duration
	InitialTasks []scheduler.Task
	JobHandlers  map[string]scheduler.JobHandler

	// IsMessenger grants this butler the notify.send egress tool; every
	// other butler has it stripped.
	IsMessenger bool
	Notifier    *notify.Notifier

	ApprovalTTL time.Duration

	// Modules are the already-constructed, already-dependency-aware
	// moduleloader.Module instances this butler hosts. Domain business
	// logic lives in a module's own package, outside this core.
	Modules []moduleloader.Module

	// Registry is the shared Registry & Liveness directory (owned by the
	// Switchboard, shared in-process with every ButlerDaemon since one
	// butlerd process hosts the whole fleet). Nil disables
	// self-registration and liveness heartbeats, for standalone tests.
	Registry         *registry.Registry
	RouteContractMin int
	RouteContractMax int
	Capabilities     []string
	LivenessTTLS     int
}

func (c ButlerConfig) withDefaults() ButlerConfig {
	if c.ButlerSchema == "" {
		c.ButlerSchema = c.Name
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 2 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = approvals.DefaultTTL
	}
	if c.LivenessTTLS <= 0 {
		c.LivenessTTLS = 180
	}
	return c
}

// ButlerDaemon hosts one butler's Spawner lock, Scheduler, Tool Registry,
// Approvals Engine, and MCP listener.
type ButlerDaemon struct {
	cfg ButlerConfig
	db  *sql.DB

	credentials *credentials.Store
	state       *state.Store
	tools       *tools.Registry
	spawner     *spawner.Spawner
	scheduler   *scheduler.Scheduler
	approvals   *approvals.Store
	gate        *approvals.Gate
	executor    *approvals.Executor
	loader      *moduleloader.Loader
	listener    *listener

	tickCancel context.CancelFunc
}

// NewButler runs phases 1-9 of the startup order (config through approval
// gating) and returns a ButlerDaemon ready for Start to bring the listener
// and background loops up. A module startup failure is never fatal here —
// it is tracked as cascade_failed/failed in the Module Loader's results and
// surfaced at /healthz; only a failure before phase 9 (DB, migrations,
// spawner/adapter wiring) aborts construction.
func NewButler(ctx context.Context, cfg ButlerConfig) (*ButlerDaemon, error) {
	cfg = cfg.withDefaults()
	if cfg.Name == "" || cfg.DSN == "" || cfg.ListenAddr == "" {
		return nil, fmt.Errorf("daemon: butler config requires name, dsn, and listen_addr")
	}
	if cfg.RuntimeAdapter == nil {
		return nil, fmt.Errorf("daemon: butler %s: runtime adapter is required", cfg.Name)
	}

	// Phase 4: open the DB pool scoped to this butler's own schema.
	db, err := openDB(cfg.DSN, schema.SearchPath(cfg.ButlerSchema))
	if err != nil {
		return nil, fmt.Errorf("daemon: butler %s: %w", cfg.Name, err)
	}

	// Phase 5: migrations — shared, then this butler's own schema.
	mgr := schema.NewManager(cfg.DSN)
	if err := mgr.RunChain(ctx, schema.Shared(), "shared"); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: butler %s: shared migrations: %w", cfg.Name, err)
	}
	if err := mgr.RunChain(ctx, schema.Butler(), cfg.ButlerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: butler %s: butler migrations: %w", cfg.Name, err)
	}

	// Phase 3: credentials.
	creds, err := credentials.New(db, cfg.MasterKey, cfg.EnvPrefix)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: butler %s: credentials: %w", cfg.Name, err)
	}

	st := state.New(db)
	approvalsStore := approvals.New(db)
	gate := approvals.NewGate(approvalsStore, cfg.Name, cfg.ApprovalTTL)
	executor := approvals.NewExecutor(approvalsStore)

	sp := spawner.New(spawner.Config{
		ButlerName:            cfg.Name,
		Adapter:               cfg.RuntimeAdapter,
		Sessions:              st,
		Credentials:           creds,
		CoreCredentialNames:   cfg.CoreCredentialNames,
		ModuleCredentialNames: cfg.ModuleCredentialNames,
		Prompts:               cfg.Prompts,
		MCPEndpointURL:        "http://" + cfg.ListenAddr,
		Model:                 cfg.Model,
		Timeout:               cfg.InvokeTimeout,
		MaxQueued:             cfg.MaxQueued,
	})

	sched := scheduler.New(db, sp, cfg.TickInterval)
	for name, h := range cfg.JobHandlers {
		sched.RegisterJob(name, h)
	}

	d := &ButlerDaemon{
		cfg:         cfg,
		db:          db,
		credentials: creds,
		state:       st,
		tools:       tools.New(),
		spawner:     sp,
		scheduler:   sched,
		approvals:   approvalsStore,
		gate:        gate,
		executor:    executor,
	}

	// Phase 6: module loader, topological start. Failures here are isolated
	// per module; the butler continues regardless.
	d.loader = moduleloader.New(cfg.Modules)
	if err := d.loader.Start(ctx, d.tools); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: butler %s: module loader: %w", cfg.Name, err)
	}

	// Phase 7: register core MCP tools.
	if err := d.registerCoreTools(); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: butler %s: core tools: %w", cfg.Name, err)
	}

	// Phase 8: egress-ownership policy. Only the messenger butler keeps
	// channel send/reply tools.
	if cfg.IsMessenger {
		if cfg.Notifier == nil {
			db.Close()
			return nil, fmt.Errorf("daemon: butler %s: is_messenger requires a Notifier", cfg.Name)
		}
		sendTool := notify.NewSendTool(cfg.Notifier)
		def := sendTool.Definition()
		if err := d.tools.Register(def.Name, def.Description, def.Parameters, def.Risk, def.Gated, def.Egress, sendTool.Execute); err != nil {
			db.Close()
			return nil, fmt.Errorf("daemon: butler %s: register notify.send: %w", cfg.Name, err)
		}
	} else {
		d.tools.StripEgress()
	}

	// Phase 9 (approval gating) is applied per-call at the MCP listener —
	// tools.Gated wraps a tool's handler with d.gate when Definition.Gated
	// is set, rather than mutating the registry here.

	d.listener = newListener(cfg.ListenAddr, db, d.loader)
	d.registerRoutes()

	return d, nil
}

// registerCoreTools wires the two built-in tools every butler exposes
// regardless of which modules it hosts: trigger (the fanout dispatch
// target) and tick (external scheduler stimulation, e.g. from cmd/butlerd
// tick or an operator poke).
func (d *ButlerDaemon) registerCoreTools() error {
	if err := d.tools.Register("trigger", "Run one session for the given prompt.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prompt":            map[string]interface{}{"type": "string"},
				"parent_session_id": map[string]interface{}{"type": "string"},
			},
			"required": []string{"prompt"},
		}, tools.RiskLow, false, false, d.handleTrigger); err != nil {
		return err
	}
	return d.tools.Register("tick", "Fire any due scheduled tasks now.",
		map[string]interface{}{"type": "object"}, tools.RiskLow, false, false, d.handleTick)
}

func (d *ButlerDaemon) handleTrigger(ctx context.Context, args map[string]interface{}) (string, error) {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return "", fmt.Errorf("trigger: prompt is required")
	}
	var parentSessionID *string
	if v, ok := args["parent_session_id"].(string); ok && v != "" {
		parentSessionID = &v
	}
	sess, err := d.spawner.Trigger(ctx, prompt, state.TriggerTrigger, parentSessionID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("session %s completed", sess.SessionID), nil
}

func (d *ButlerDaemon) handleTick(ctx context.Context, _ map[string]interface{}) (string, error) {
	if err := d.scheduler.Tick(ctx, d.cfg.Name); err != nil {
		return "", err
	}
	return "ok", nil
}

// Tick fires any due scheduled tasks once, outside the running background
// loop — the operation `cmd/butlerd tick <butler>` drives for ops/testing
// use without starting the full daemon.
func (d *ButlerDaemon) Tick(ctx context.Context) error {
	return d.scheduler.Tick(ctx, d.cfg.Name)
}

func (d *ButlerDaemon) registerRoutes() {
	d.listener.engine.POST("/tools/call", d.handleToolCall)
	d.listener.engine.POST("/approvals/:action_id/approve", d.handleApprove)
	d.listener.engine.POST("/approvals/:action_id/reject", d.handleReject)
}

// Start brings up the MCP listener (phase 10), registers with the fleet
// registry (phase 11), upserts the initial tasks, then begins the
// background loops (phase 12).
func (d *ButlerDaemon) Start(ctx context.Context) error {
	if err := d.listener.Start(ctx); err != nil {
		return err
	}

	if d.cfg.Registry != nil {
		if err := d.cfg.Registry.Register(ctx, d.cfg.Name, "http://"+d.cfg.ListenAddr,
			d.cfg.RouteContractMin, d.cfg.RouteContractMax, d.cfg.Capabilities, d.cfg.LivenessTTLS); err != nil {
			return fmt.Errorf("daemon: butler %s: register with fleet: %w", d.cfg.Name, err)
		}
	}

	for _, t := range d.cfg.InitialTasks {
		if err := d.scheduler.UpsertTask(ctx, t); err != nil {
			slog.Error("daemon: upsert initial task failed", "butler", d.cfg.Name, "task", t.Name, "err", err)
		}
	}

	tickCtx, cancel := context.WithCancel(ctx)
	d.tickCancel = cancel
	go d.runTickLoop(tickCtx)
	if d.cfg.Registry != nil {
		go d.runHeartbeatLoop(tickCtx)
	}

	slog.Info("butler daemon started", "butler", d.cfg.Name, "addr", d.cfg.ListenAddr)
	return nil
}

func (d *ButlerDaemon) runTickLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.scheduler.Tick(ctx, d.cfg.Name); err != nil {
				slog.Error("daemon: scheduler tick failed", "butler", d.cfg.Name, "err", err)
			}
			if _, err := d.approvals.ExpireStale(ctx); err != nil {
				slog.Error("daemon: expire stale approvals failed", "butler", d.cfg.Name, "err", err)
			}
		}
	}
}

func (d *ButlerDaemon) runHeartbeatLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.LivenessTTLS) * time.Second / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.cfg.Registry.Heartbeat(ctx, d.cfg.Name); err != nil {
				slog.Error("daemon: liveness heartbeat failed", "butler", d.cfg.Name, "err", err)
			}
		}
	}
}

// Shutdown stops the listener and background loops, drains module
// shutdown hooks in reverse start order, and closes the DB pool.
func (d *ButlerDaemon) Shutdown(ctx context.Context) {
	if d.tickCancel != nil {
		d.tickCancel()
	}
	d.listener.Stop()
	d.loader.Shutdown(ctx)
	d.db.Close()
}

// --- HTTP handlers ---

func mustApprovalID(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}

type decisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (d *ButlerDaemon) toolInvoker() approvals.ToolInvoker {
	return func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
		t := d.tools.Get(toolName)
		if t == nil {
			return nil, fmt.Errorf("daemon: unknown tool %q", toolName)
		}
		var parsed map[string]interface{}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &parsed); err != nil {
				return nil, fmt.Errorf("daemon: decode tool args: %w", err)
			}
		}
		out, err := t.Handler(ctx, parsed)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}
