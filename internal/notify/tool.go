package notify

import (
	"context"
	"fmt"

	"github.com/tzeusy/butlers/internal/tools"
)

// SendToolName is the canonical name of the built-in egress tool. Only the
// messenger butler registers it (NewButler's egress-ownership phase); every
// other butler skips it and runs tools.Registry.StripEgress instead.
const SendToolName = "notify.send"

// SendTool implements the notify.send built-in tool: the only path by which
// a butler session can reach an external channel.
type SendTool struct {
	notifier *Notifier
}

// NewSendTool returns a SendTool backed by notifier.
func NewSendTool(notifier *Notifier) *SendTool {
	return &SendTool{notifier: notifier}
}

// Definition returns the LLM-facing tool definition, flagged Egress: the
// marker tools.Registry.StripEgress removes on every butler but the
// messenger.
func (t *SendTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        SendToolName,
		Description: "Send a reply to the user or another party on the channel the current request arrived on.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"channel":           map[string]interface{}{"type": "string", "description": "Source channel: telegram, slack, email, api, or mcp."},
				"provider":          map[string]interface{}{"type": "string", "description": "Source provider: telegram, slack, gmail, imap, or internal."},
				"endpoint_identity": map[string]interface{}{"type": "string", "description": "Destination identity on that channel (chat id, address, etc)."},
				"message":           map[string]interface{}{"type": "string", "description": "The message body to send."},
			},
			"required": []string{"channel", "provider", "endpoint_identity", "message"},
		},
		Risk:   tools.RiskLow,
		Egress: true,
	}
}

// Execute validates args and delivers the message via the Notifier.
func (t *SendTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	channel, _ := args["channel"].(string)
	provider, _ := args["provider"].(string)
	endpointIdentity, _ := args["endpoint_identity"].(string)
	message, _ := args["message"].(string)

	if channel == "" || provider == "" || endpointIdentity == "" || message == "" {
		return "", fmt.Errorf("notify.send: channel, provider, endpoint_identity, and message are all required")
	}

	if err := t.notifier.Send(ctx, Message{Channel: channel, Provider: provider, EndpointIdentity: endpointIdentity, Body: message}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Message sent via %s/%s to %q.", channel, provider, endpointIdentity), nil
}
