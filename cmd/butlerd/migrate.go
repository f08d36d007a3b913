package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/tzeusy/butlers/internal/corerr"
	"github.com/tzeusy/butlers/internal/schema"
)

// runMigrate runs the shared chain, then the named butler's own schema
// chain, against its roster-declared schema name.
func runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	rosterPath := fs.String("roster", rosterPathFromEnv(), "path to the roster YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return corerr.New(corerr.KindValidation, "migrate requires exactly one argument: <butler>", nil)
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

	mgr := schema.NewManager(dsn)
	if err := mgr.RunChain(ctx, schema.Shared(), "shared"); err != nil {
		return corerr.New(corerr.KindTargetUnavailable, "run shared migration chain", err)
	}
	if err := mgr.RunChain(ctx, schema.Butler(), b.Schema); err != nil {
		return corerr.New(corerr.KindTargetUnavailable,
			fmt.Sprintf("run butler migration chain for %s", b.Schema), err)
	}
	return nil
}
