package daemon

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tzeusy/butlers/internal/ingest"
	"github.com/tzeusy/butlers/internal/ingress"
)

// handleIngest is the Ingest API's POST /ingest: it durably records the
// envelope via ingest.Store.Submit, then enqueues it onto the Ingress
// Buffer for classification and fan-out. A duplicate submission (same
// dedupe key) gets the same 202 status and the original request_id, with
// duplicate=true, and is not enqueued a second time.
func (sb *SwitchboardDaemon) handleIngest(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	result, err := sb.ingest.Submit(c.Request.Context(), raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier := ingress.TierDefault
	if env, err := ingest.ParseEnvelope(raw); err == nil {
		tier = tierFromHints(env.RoutingHints)
	}

	if !result.Duplicate {
		if _, err := sb.buffer.Enqueue(c.Request.Context(), result.RequestID, tier, result.RequestID.String()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue: " + err.Error()})
			return
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"request_id": result.RequestID, "duplicate": result.Duplicate})
}

// tierFromHints reads an optional "priority_tier" routing hint off the
// envelope, defaulting to the default tier when absent or unrecognized.
func tierFromHints(hints map[string]interface{}) ingress.Tier {
	raw, ok := hints["priority_tier"].(string)
	if !ok {
		return ingress.TierDefault
	}
	switch ingress.Tier(raw) {
	case ingress.TierHighPriority:
		return ingress.TierHighPriority
	case ingress.TierInteractive:
		return ingress.TierInteractive
	default:
		return ingress.TierDefault
	}
}
