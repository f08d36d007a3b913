package daemon

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleApprove is the operator-facing decision surface DESIGN.md's
// Approvals entry deferred to the Daemon Lifecycle: POST
// /approvals/:action_id/approve {actor}. Approving runs the action
// immediately via the Executor.
func (d *ButlerDaemon) handleApprove(c *gin.Context) {
	actionID, err := mustApprovalID(c.Param("action_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action_id"})
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor is required"})
		return
	}

	pa, err := d.approvals.Approve(c.Request.Context(), actionID, req.Actor)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	result, err := d.executor.Execute(c.Request.Context(), actionID, d.toolInvoker())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"action_id": pa.ActionID, "status": pa.Status, "execution_error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action_id": pa.ActionID, "status": "executed", "result": result})
}

// handleReject is POST /approvals/:action_id/reject {actor, reason}.
func (d *ButlerDaemon) handleReject(c *gin.Context) {
	actionID, err := mustApprovalID(c.Param("action_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action_id"})
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor is required"})
		return
	}

	pa, err := d.approvals.Reject(c.Request.Context(), actionID, req.Actor, req.Reason)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action_id": pa.ActionID, "status": pa.Status})
}
