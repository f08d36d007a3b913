package main

import (
	"github.com/tzeusy/butlers/common/environment"
	"github.com/tzeusy/butlers/internal/notify"
)

// buildNotifier wires whichever notify.Sender backends are configured via
// environment variables. A roster with no messenger butler never calls
// this; an absent sender for a provider a messenger butler actually uses
// surfaces as a notify.send runtime error, not a startup failure, since the
// messenger butler may only ever address a subset of providers.
func buildNotifier() *notify.Notifier {
	senders := map[string]notify.Sender{}

	if url := environment.StringOr("BUTLERD_NOTIFY_WEBHOOK_URL", ""); url != "" {
		webhook := notify.NewWebhookSender(url)
		senders["telegram"] = webhook
		senders["slack"] = webhook
	}

	if addr := environment.StringOr("BUTLERD_SMTP_ADDR", ""); addr != "" {
		mail := notify.NewSMTPSender(
			addr,
			environment.StringOr("BUTLERD_SMTP_FROM", ""),
			environment.StringOr("BUTLERD_SMTP_HOST", ""),
			environment.StringOr("BUTLERD_SMTP_USERNAME", ""),
			environment.StringOr("BUTLERD_SMTP_PASSWORD", ""),
		)
		senders["gmail"] = mail
		senders["imap"] = mail
	}

	return notify.New(senders, notify.Config{
		MaxMessagesPerMinute: environment.IntOr("BUTLERD_NOTIFY_MAX_PER_MINUTE", 0),
	})
}
