package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tzeusy/butlers/internal/moduleloader"
)

// listener is the gin-based HTTP surface every daemon exposes — at minimum
// GET /healthz and GET /health — plus whatever role-specific routes the
// caller registers on engine before Start.
type listener struct {
	addr      string
	engine    *gin.Engine
	server    *http.Server
	startedAt time.Time
	db        *sql.DB
	loader    *moduleloader.Loader
}

func newListener(addr string, db *sql.DB, loader *moduleloader.Loader) *listener {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	l := &listener{addr: addr, engine: engine, startedAt: time.Now().UTC(), db: db, loader: loader}
	engine.GET("/health", l.handleHealth)
	engine.GET("/healthz", l.handleHealthz)
	return l
}

func (l *listener) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleHealthz reports {status, db, modules, uptime_s}: db reachability
// plus each loaded module's lifecycle state, so an operator can tell a
// cascade-failed module apart from a dead database.
func (l *listener) handleHealthz(c *gin.Context) {
	dbStatus := "ok"
	if err := l.db.PingContext(c.Request.Context()); err != nil {
		dbStatus = "unreachable"
	}

	modules := map[string]string{}
	if l.loader != nil {
		for name, res := range l.loader.Results() {
			modules[name] = string(res.Module)
		}
	}

	status := "ok"
	httpStatus := http.StatusOK
	if dbStatus != "ok" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"db":        dbStatus,
		"modules":   modules,
		"uptime_s":  time.Since(l.startedAt).Seconds(),
	})
}

// Start begins listening in the background. It blocks until the listener
// is bound so callers know the port is open before returning.
func (l *listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", l.addr, err)
	}
	l.server = &http.Server{
		Handler:      l.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	slog.Info("daemon listener started", "addr", ln.Addr().String())
	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("daemon listener stopped", "addr", l.addr, "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		l.Stop()
	}()
	return nil
}

// Stop gracefully shuts the listener down.
func (l *listener) Stop() {
	if l.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.server.Shutdown(ctx); err != nil {
		slog.Error("daemon listener shutdown error", "addr", l.addr, "err", err)
	}
}
