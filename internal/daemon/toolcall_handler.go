package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tzeusy/butlers/internal/corerr"
	"github.com/tzeusy/butlers/internal/tools"
)

// toolCallRequest/toolCallResponse mirror the unexported wire shapes
// router.Client speaks against a target butler's MCP endpoint. They are
// duplicated here rather than imported since router does not export them.
type toolCallRequest struct {
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
	TraceID   string          `json:"trace_id,omitempty"`
	SessionID string          `json:"runtime_session_id,omitempty"`
}

type toolCallResponse struct {
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	UnknownTool bool            `json:"unknown_tool,omitempty"`
}

// handleToolCall is the receiving end of router.Client.CallTool: it looks
// up the named tool, applies approval gating, runs it, and reports the
// outcome using the same error-kind vocabulary corerr defines.
func (d *ButlerDaemon) handleToolCall(c *gin.Context) {
	var req toolCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, toolCallResponse{Error: err.Error(), ErrorKind: corerr.KindValidation.String()})
		return
	}

	t := d.tools.Get(req.Tool)
	if t == nil {
		c.JSON(http.StatusOK, toolCallResponse{UnknownTool: true, Error: "unknown tool", ErrorKind: corerr.KindValidation.String()})
		return
	}

	var args map[string]interface{}
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			c.JSON(http.StatusBadRequest, toolCallResponse{Error: err.Error(), ErrorKind: corerr.KindValidation.String()})
			return
		}
	}

	handler := tools.Gated(t, d.gate)
	out, err := handler(c.Request.Context(), args)
	if err != nil {
		kind, ok := corerr.As(err)
		if !ok {
			kind = corerr.KindInternal
		}
		c.JSON(http.StatusOK, toolCallResponse{Error: err.Error(), ErrorKind: kind.String()})
		return
	}

	result, err := json.Marshal(out)
	if err != nil {
		c.JSON(http.StatusOK, toolCallResponse{Error: err.Error(), ErrorKind: corerr.KindInternal.String()})
		return
	}
	c.JSON(http.StatusOK, toolCallResponse{Result: result})
}
