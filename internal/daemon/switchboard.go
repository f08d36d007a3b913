package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tzeusy/butlers/internal/classifier"
	"github.com/tzeusy/butlers/internal/fanout"
	"github.com/tzeusy/butlers/internal/heartbeat"
	"github.com/tzeusy/butlers/internal/ingest"
	"github.com/tzeusy/butlers/internal/ingress"
	"github.com/tzeusy/butlers/internal/registry"
	"github.com/tzeusy/butlers/internal/router"
	"github.com/tzeusy/butlers/internal/runtime"
	"github.com/tzeusy/butlers/internal/schema"
)

// SwitchboardConfig configures the one SwitchboardDaemon a fleet runs: the
// ingest/classify/route/fan-out spine shared by every butler.
type SwitchboardConfig struct {
	DSN        string
	ListenAddr string

	ClassifierAdapter runtime.Adapter
	ClassifierModel   string

	RouterConfig         router.Config
	DispatcherToolName   string
	SubrequestTimeout    time.Duration
	IngressConfig        ingress.Config
	HeartbeatStaleAfter  time.Duration
	RegistrySweepPeriod  time.Duration
	ApprovalSweepEnabled bool
}

func (c SwitchboardConfig) withDefaults() SwitchboardConfig {
	if c.HeartbeatStaleAfter <= 0 {
		c.HeartbeatStaleAfter = 10 * time.Minute
	}
	if c.RegistrySweepPeriod <= 0 {
		c.RegistrySweepPeriod = 30 * time.Second
	}
	return c
}

// SwitchboardDaemon owns the shared-schema Registry, Ingest API, Ingress
// Buffer, Classifier, Router, and Fanout Dispatcher. Every ButlerDaemon in
// the same process shares its *registry.Registry handle for in-process
// self-registration and liveness heartbeats, since one butlerd process
// hosts the whole fleet.
type SwitchboardDaemon struct {
	cfg SwitchboardConfig
	db  *sql.DB

	Registry   *registry.Registry
	ingest     *ingest.Store
	buffer     *ingress.Buffer
	classifier *classifier.Classifier
	router     *router.Router
	dispatcher *fanout.Dispatcher
	heartbeat  *heartbeat.Store
	listener   *listener

	sweepCancel context.CancelFunc
}

// NewSwitchboard wires the shared-schema spine. Unlike NewButler, it opens
// its DB pool against the shared schema only — message_inbox,
// butler_registry, routing_log, and friends all live there.
func NewSwitchboard(ctx context.Context, cfg SwitchboardConfig) (*SwitchboardDaemon, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" || cfg.ListenAddr == "" {
		return nil, fmt.Errorf("daemon: switchboard config requires dsn and listen_addr")
	}
	if cfg.ClassifierAdapter == nil {
		return nil, fmt.Errorf("daemon: switchboard: classifier adapter is required")
	}

	db, err := openDB(cfg.DSN, schema.SearchPath("shared"))
	if err != nil {
		return nil, fmt.Errorf("daemon: switchboard: %w", err)
	}

	mgr := schema.NewManager(cfg.DSN)
	if err := mgr.RunChain(ctx, schema.Shared(), "shared"); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: switchboard: shared migrations: %w", err)
	}

	reg := registry.New(db)
	ingestStore := ingest.New(db)
	hbStore := heartbeat.New(db)

	rtr := router.New(reg, cfg.RouterConfig)
	dispatcher := fanout.New(db, rtr, fanout.Config{
		CallerIdentity:    "switchboard",
		ToolName:          cfg.DispatcherToolName,
		SubrequestTimeout: cfg.SubrequestTimeout,
	})

	sb := &SwitchboardDaemon{
		cfg:        cfg,
		db:         db,
		Registry:   reg,
		ingest:     ingestStore,
		classifier: classifier.New(cfg.ClassifierAdapter, reg, "switchboard", cfg.ClassifierModel),
		router:     rtr,
		dispatcher: dispatcher,
		heartbeat:  hbStore,
	}

	sb.buffer = ingress.New(db, "switchboard", cfg.IngressConfig, sb.process)
	sb.listener = newListener(cfg.ListenAddr, db, nil)
	sb.listener.engine.POST("/ingest", sb.handleIngest)

	hbMux := http.NewServeMux()
	heartbeat.NewHandler(hbStore).Register(hbMux)
	sb.listener.engine.POST("/connectors/heartbeat", gin.WrapH(hbMux))

	return sb, nil
}

// process is the Ingress Buffer's Processor: classify the buffered
// message's text, build a fan-out plan, dispatch it, and persist the
// outcome back onto the message_inbox row.
func (sb *SwitchboardDaemon) process(ctx context.Context, item *ingress.Item) error {
	msg, err := sb.ingest.Get(ctx, item.RequestID)
	if err != nil {
		return fmt.Errorf("switchboard: load message %s: %w", item.RequestID, err)
	}

	entries, err := sb.classifier.Classify(ctx, msg.Text())
	if err != nil {
		return fmt.Errorf("switchboard: classify %s: %w", item.RequestID, err)
	}
	if err := sb.ingest.SaveClassification(ctx, item.RequestID, entries); err != nil {
		return fmt.Errorf("switchboard: save classification %s: %w", item.RequestID, err)
	}
	// Classify always returns at least one entry (the "general" fallback
	// when nothing matches), so there is never a zero-entry plan to branch
	// on here.

	plan, err := fanout.BuildPlan(item.RequestID, entries, fanout.Hints{})
	if err != nil {
		return fmt.Errorf("switchboard: build plan %s: %w", item.RequestID, err)
	}

	result, err := sb.dispatcher.Execute(ctx, plan)
	if err != nil {
		_ = sb.ingest.SaveRoutingResults(ctx, item.RequestID, nil, "failed")
		return fmt.Errorf("switchboard: dispatch %s: %w", item.RequestID, err)
	}
	return sb.ingest.SaveRoutingResults(ctx, item.RequestID, result, result.FinalStatus)
}

// Start begins the ingest HTTP listener, the ingress buffer's worker pool
// and cold-path scanner, and the registry liveness sweep.
func (sb *SwitchboardDaemon) Start(ctx context.Context) error {
	if err := sb.listener.Start(ctx); err != nil {
		return err
	}
	sb.buffer.Start(ctx)

	sweepCtx, cancel := context.WithCancel(ctx)
	sb.sweepCancel = cancel
	go sb.runSweepLoop(sweepCtx)

	slog.Info("switchboard daemon started", "addr", sb.cfg.ListenAddr)
	return nil
}

func (sb *SwitchboardDaemon) runSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sb.cfg.RegistrySweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sb.Registry.SweepStale(ctx); err != nil {
				slog.Error("switchboard: registry sweep failed", "err", err)
			}
			if err := sb.heartbeat.SweepStale(ctx, sb.cfg.HeartbeatStaleAfter); err != nil {
				slog.Error("switchboard: connector heartbeat sweep failed", "err", err)
			}
		}
	}
}

// Shutdown stops the ingress buffer, the sweep loop, and the listener, and
// closes the DB pool.
func (sb *SwitchboardDaemon) Shutdown(ctx context.Context) {
	if sb.sweepCancel != nil {
		sb.sweepCancel()
	}
	sb.buffer.Stop()
	sb.listener.Stop()
	sb.db.Close()
}
