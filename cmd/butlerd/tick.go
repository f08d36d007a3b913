package main

import (
	"context"
	"flag"

	"github.com/tzeusy/butlers/internal/corerr"
	"github.com/tzeusy/butlers/internal/daemon"
	"github.com/tzeusy/butlers/internal/notify"
)

// runTick constructs one butler daemon (phases 1-9 only, no listener, no
// background loops) and fires its scheduler once — the operator/testing
// path for stimulating a scheduled task out-of-band.
func runTick(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tick", flag.ContinueOnError)
	rosterPath := fs.String("roster", rosterPathFromEnv(), "path to the roster YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return corerr.New(corerr.KindValidation, "tick requires exactly one argument: <butler>", nil)
	}
	name := fs.Arg(0)

	r, err := loadRoster(*rosterPath)
	if err != nil {
		return err
	}
	b, err := findButler(r, name)
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

	var notifier *notify.Notifier
	if b.IsMessenger {
		notifier = buildNotifier()
	}

	cfg, err := butlerConfig(*b, dsn, masterKey, envPrefixFromEnv(), nil, notifier)
	if err != nil {
		return err
	}
	bd, err := daemon.NewButler(ctx, cfg)
	if err != nil {
		return err
	}
	defer bd.Shutdown(ctx)

	return bd.Tick(ctx)
}
