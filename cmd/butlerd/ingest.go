package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tzeusy/butlers/internal/corerr"
)

// runIngest reads an ingest.v1 envelope from stdin and posts it to a
// running switchboard's /ingest endpoint — the same route a connector
// process calls, used here for manual or scripted submission.
func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	rosterPath := fs.String("roster", rosterPathFromEnv(), "path to the roster YAML file")
	addr := fs.String("addr", "", "switchboard address (overrides the roster's switchboard.listenAddr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := *addr
	if target == "" {
		r, err := loadRoster(*rosterPath)
		if err != nil {
			return err
		}
		target = r.Switchboard.ListenAddr
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return corerr.New(corerr.KindValidation, "read envelope from stdin", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+target+"/ingest", bytes.NewReader(raw))
	if err != nil {
		return corerr.New(corerr.KindInternal, "build ingest request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return corerr.New(corerr.KindTargetUnavailable, "post to switchboard", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Println(string(body))

	if resp.StatusCode == http.StatusBadRequest {
		return corerr.New(corerr.KindValidation, "switchboard rejected envelope", nil)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return corerr.New(corerr.KindTargetUnavailable, "switchboard internal error", nil)
	}
	return nil
}
