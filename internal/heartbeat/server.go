package heartbeat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Handler exposes POST /connectors/heartbeat, accepting connector.heartbeat.v1
// envelopes and folding them into Store. Mounted on the Switchboard butler's
// HTTP surface alongside the ingest API.
type Handler struct {
	store *Store
}

// NewHandler wraps store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Register mounts the handler's route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/connectors/heartbeat", h.handleHeartbeat)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body wireBeat
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if body.SchemaVersion != "" && body.SchemaVersion != "connector.heartbeat.v1" {
		http.Error(w, fmt.Sprintf("unsupported schema_version %q", body.SchemaVersion), http.StatusBadRequest)
		return
	}

	beat := Beat{
		ConnectorType:    body.ConnectorType,
		EndpointIdentity: body.EndpointIdentity,
		InstanceID:       body.InstanceID,
		State:            State(body.State),
		Counters:         body.Counters,
		Checkpoint:       body.Checkpoint,
		SentAt:           body.SentAt,
	}
	if beat.State == "" {
		beat.State = StateHealthy
	}

	if err := h.store.Record(r.Context(), beat); err != nil {
		slog.Error("heartbeat: record failed", "connector_type", beat.ConnectorType, "endpoint_identity", beat.EndpointIdentity, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
