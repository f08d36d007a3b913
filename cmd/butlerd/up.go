package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tzeusy/butlers/internal/daemon"
	"github.com/tzeusy/butlers/internal/notify"
)

// runUp starts the switchboard and every roster-declared butler in this
// one process, then blocks until SIGINT/SIGTERM.
func runUp(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("up", flag.ContinueOnError)
	rosterPath := fs.String("roster", rosterPathFromEnv(), "path to the roster YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := loadRoster(*rosterPath)
	if err != nil {
		return err
	}

	dsn, err := dsnFromEnv()
	if err != nil {
		return err
	}
	masterKey, err := masterKeyFromEnv()
	if err != nil {
		return err
	}
	envPrefix := envPrefixFromEnv()

	sbCfg, err := switchboardConfig(r, dsn)
	if err != nil {
		return fmt.Errorf("build switchboard config: %w", err)
	}
	sb, err := daemon.NewSwitchboard(ctx, sbCfg)
	if err != nil {
		return fmt.Errorf("construct switchboard: %w", err)
	}
	if err := sb.Start(ctx); err != nil {
		return fmt.Errorf("start switchboard: %w", err)
	}
	defer sb.Shutdown(ctx)

	var notifier *notify.Notifier
	for _, b := range r.Butlers {
		if b.IsMessenger {
			notifier = buildNotifier()
			break
		}
	}

	butlers := make([]*daemon.ButlerDaemon, 0, len(r.Butlers))
	for _, b := range r.Butlers {
		bCfg, err := butlerConfig(b, dsn, masterKey, envPrefix, sb.Registry, notifier)
		if err != nil {
			return fmt.Errorf("build butler config %s: %w", b.Name, err)
		}
		bd, err := daemon.NewButler(ctx, bCfg)
		if err != nil {
			return fmt.Errorf("construct butler %s: %w", b.Name, err)
		}
		if err := bd.Start(ctx); err != nil {
			return fmt.Errorf("start butler %s: %w", b.Name, err)
		}
		butlers = append(butlers, bd)
	}

	slog.Info("butlerd up", "butlers", len(butlers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("butlerd shutting down")
	for i := len(butlers) - 1; i >= 0; i-- {
		butlers[i].Shutdown(ctx)
	}
	return nil
}
