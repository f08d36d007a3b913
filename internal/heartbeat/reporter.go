package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// wireBeat is the JSON body POSTed to the heartbeat endpoint.
type wireBeat struct {
	SchemaVersion    string          `json:"schema_version"`
	ConnectorType    string          `json:"connector_type"`
	EndpointIdentity string          `json:"endpoint_identity"`
	InstanceID       string          `json:"instance_id"`
	State            string          `json:"state"`
	Counters         map[string]int64 `json:"counters"`
	Checkpoint       json.RawMessage `json:"checkpoint,omitempty"`
	SentAt           time.Time       `json:"sent_at"`
}

// CounterSource supplies the connector's monotonic counters and current
// state at send time. Implementations should be cheap to call on every
// tick.
type CounterSource func() (state State, counters map[string]int64, checkpoint json.RawMessage)

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	EndpointURL      string
	ConnectorType    string
	EndpointIdentity string
	InstanceID       string
	// Interval defaults to DefaultIntervalS when zero. A non-zero value is
	// used as given; it is not clamped to [MinIntervalS, MaxIntervalS].
	Interval time.Duration
}

// Reporter periodically POSTs connector.heartbeat.v1 envelopes to the
// Switchboard's heartbeat endpoint. A 404 response is treated as persistent
// misconfiguration: logged once, then the reporter stops permanently
// without retrying.
type Reporter struct {
	cfg        ReporterConfig
	source     CounterSource
	httpClient *http.Client
	stopped    atomic.Bool
}

// NewReporter returns a Reporter that calls source on every tick to build
// the outgoing heartbeat.
func NewReporter(cfg ReporterConfig, source CounterSource) *Reporter {
	if cfg.Interval == 0 {
		cfg.Interval = ClampInterval(DefaultIntervalS)
	}
	return &Reporter{cfg: cfg, source: source, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// Run blocks, sending a heartbeat on every tick, until ctx is cancelled or
// the endpoint responds 404 (persistent misconfiguration).
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("heartbeat reporter starting", "connector_type", r.cfg.ConnectorType, "endpoint_identity", r.cfg.EndpointIdentity, "interval", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.stopped.Load() {
				return
			}
			if err := r.sendOnce(ctx); err != nil {
				slog.Warn("heartbeat send failed", "connector_type", r.cfg.ConnectorType, "err", err)
			}
		}
	}
}

// sendOnce builds and posts a single heartbeat.
func (r *Reporter) sendOnce(ctx context.Context) error {
	state, counters, checkpoint := r.source()
	body := wireBeat{
		SchemaVersion:    "connector.heartbeat.v1",
		ConnectorType:    r.cfg.ConnectorType,
		EndpointIdentity: r.cfg.EndpointIdentity,
		InstanceID:       r.cfg.InstanceID,
		State:            string(state),
		Counters:         counters,
		Checkpoint:       checkpoint,
		SentAt:           time.Now().UTC(),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.EndpointURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("heartbeat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		r.stopped.Store(true)
		slog.Error("heartbeat endpoint 404, stopping reporter permanently", "connector_type", r.cfg.ConnectorType, "endpoint_url", r.cfg.EndpointURL)
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Stopped reports whether the reporter has permanently stopped after a 404.
func (r *Reporter) Stopped() bool {
	return r.stopped.Load()
}
