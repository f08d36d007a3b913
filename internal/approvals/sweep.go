package approvals

import (
	"context"
	"encoding/json"
)

// ExpireJob returns a scheduler.JobHandler that expires stale pending
// actions, for registration under dispatch_mode="job".
func (s *Store) ExpireJob() func(ctx context.Context, _ json.RawMessage) error {
	return func(ctx context.Context, _ json.RawMessage) error {
		_, err := s.ExpireStale(ctx)
		return err
	}
}
