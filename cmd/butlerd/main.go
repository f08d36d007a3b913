// Butlerd hosts the fleet: one switchboard plus every butler declared in a
// roster YAML file, each a long-lived daemon behind its own MCP listener.
//
// Usage:
//
//	butlerd up                 start all butlers in one process
//	butlerd migrate <butler>   run the schema chain for one butler
//	butlerd tick <butler>      fire the scheduler once (testing/ops)
//	butlerd ingest             submit an ingest.v1 envelope read from stdin
//
// Environment variables:
//
//	BUTLERD_ROSTER          path to the roster YAML file (default: ./roster.yaml)
//	DATABASE_URL            Postgres connection string
//	POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD,
//	POSTGRES_DB, POSTGRES_SSLMODE    used to build DATABASE_URL when unset
//	RURIKO_MASTER_KEY       hex-encoded AES-256 key for the credential store
//	BUTLERD_ENV_PREFIX      env var prefix for credential fallback (default: BUTLER_)
//	BUTLERD_NOTIFY_WEBHOOK_URL, BUTLERD_SMTP_*   optional notify.Sender wiring
//
// Exit codes: 0 success, 2 validation error, 3 unreachable dependency, other
// non-zero for internal errors.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tzeusy/butlers/common/version"
	"github.com/tzeusy/butlers/internal/corerr"
)

const (
	exitOK          = 0
	exitValidation  = 2
	exitUnreachable = 3
	exitInternal    = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitValidation
	}

	ctx := context.Background()
	var err error

	switch args[0] {
	case "up":
		err = runUp(ctx, args[1:])
	case "migrate":
		err = runMigrate(ctx, args[1:])
	case "tick":
		err = runTick(ctx, args[1:])
	case "ingest":
		err = runIngest(ctx, args[1:])
	case "version":
		fmt.Printf("butlerd %s (%s, %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "butlerd: unknown command %q\n\n", args[0])
		usage()
		return exitValidation
	}

	if err == nil {
		return exitOK
	}

	fmt.Fprintf(os.Stderr, "butlerd: %v\n", err)
	return exitCodeFor(err)
}

// exitCodeFor maps a returned error to the CLI's canonical exit code, using
// the corerr.Kind attached by every core subsystem when present.
func exitCodeFor(err error) int {
	kind, ok := corerr.As(err)
	if !ok {
		return exitInternal
	}
	switch kind {
	case corerr.KindValidation:
		return exitValidation
	case corerr.KindTargetUnavailable, corerr.KindTimeout:
		return exitUnreachable
	default:
		return exitInternal
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: butlerd <command> [flags]

commands:
  up                 start all butlers in one process
  migrate <butler>   run the schema chain for one butler
  tick <butler>      fire the scheduler once (testing/ops)
  ingest             submit an ingest.v1 envelope read from stdin
  version            print build info`)
}
