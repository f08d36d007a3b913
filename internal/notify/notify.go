// Package notify implements channel egress: the messenger butler's outbound
// send path, fronted by a provider-keyed Sender registry and a fixed-window
// rate limiter, exposed to the LLM as the notify.send built-in tool.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Message is one outbound reply, addressed the same way ingest.v1 addresses
// inbound messages: by (channel, provider, endpoint_identity) rather than a
// channel-specific room/chat id.
type Message struct {
	Channel          string
	Provider         string
	EndpointIdentity string
	Body             string
}

// Sender delivers one Message on a specific provider. Implementations MUST
// NOT log Body at INFO level; DEBUG-with-redaction is fine.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier resolves a Message's provider to a registered Sender, rate
// limits, and delivers.
type Notifier struct {
	senders map[string]Sender
	rl      *rateLimiter
}

// Config tunes the Notifier's rate limit.
type Config struct {
	// MaxMessagesPerMinute caps outbound sends fleet-wide. Zero means
	// unlimited.
	MaxMessagesPerMinute int
}

// New returns a Notifier dispatching to senders, keyed by provider (e.g.
// "telegram", "slack", "gmail", "imap").
func New(senders map[string]Sender, cfg Config) *Notifier {
	return &Notifier{senders: senders, rl: &rateLimiter{maxPerMinute: cfg.MaxMessagesPerMinute}}
}

// Send delivers msg via the Sender registered for msg.Provider.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if msg.EndpointIdentity == "" {
		return fmt.Errorf("notify: empty endpoint_identity")
	}
	if msg.Body == "" {
		return fmt.Errorf("notify: empty message body")
	}

	sender, ok := n.senders[msg.Provider]
	if !ok {
		return fmt.Errorf("notify: no sender registered for provider %q", msg.Provider)
	}

	if !n.rl.allow() {
		return fmt.Errorf("notify: rate limit exceeded (%d messages/minute)", n.rl.maxPerMinute)
	}

	if err := sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: send via %s/%s: %w", msg.Channel, msg.Provider, err)
	}

	slog.Debug("notify: message sent", "channel", msg.Channel, "provider", msg.Provider, "endpoint_identity", msg.EndpointIdentity)
	return nil
}

// rateLimiter is a fixed-window limiter safe for concurrent use. A
// maxPerMinute of 0 means unlimited.
type rateLimiter struct {
	mu           sync.Mutex
	maxPerMinute int
	count        int
	windowStart  time.Time
}

func (r *rateLimiter) allow() bool {
	if r.maxPerMinute <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= time.Minute {
		r.count = 0
		r.windowStart = now
	}
	if r.count >= r.maxPerMinute {
		return false
	}
	r.count++
	return true
}
