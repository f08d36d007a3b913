package butlercfg

import "time"

// Duration parses a roster duration string, returning fallback when raw is
// empty. Validate having already run guarantees raw parses cleanly when
// non-empty, so the parse-failure fallback here only matters to callers that
// skip Validate (e.g. unit tests building a Roster by hand).
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
