package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SweepStale marks every connector whose last_seen_at is older than
// staleAfter as error, mirroring the Registry's stale sweep but for
// connectors rather than butlers. SwitchboardDaemon's sweep loop calls it
// directly; SweepJob wraps it for Scheduler job-mode dispatch.
func (s *Store) SweepStale(ctx context.Context, staleAfter time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connector_registry SET state = $1
		WHERE state != $1 AND last_seen_at < now() - $2::interval
	`, string(StateError), fmt.Sprintf("%d seconds", int(staleAfter.Seconds())))
	if err != nil {
		return fmt.Errorf("heartbeat: sweep stale: %w", err)
	}
	return nil
}

// SweepJob returns a scheduler.JobHandler that runs SweepStale with
// staleAfter, for registration under dispatch_mode="job".
func (s *Store) SweepJob(staleAfter time.Duration) func(ctx context.Context, _ json.RawMessage) error {
	return func(ctx context.Context, _ json.RawMessage) error {
		return s.SweepStale(ctx, staleAfter)
	}
}
