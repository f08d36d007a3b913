package notify

import (
	"context"
	"fmt"
	"net/smtp"
)

// SMTPSender delivers a Message by email, for the "gmail"/"imap" providers.
//
// No third-party mail library appears anywhere in the example pack, so this
// is built on the standard library's net/smtp — see DESIGN.md for the
// justification.
type SMTPSender struct {
	addr string // host:port
	from string
	auth smtp.Auth
}

// NewSMTPSender returns an SMTPSender that authenticates to addr (host:port)
// as username/password and sends mail From: from.
func NewSMTPSender(addr, from, host, username, password string) *SMTPSender {
	return &SMTPSender{addr: addr, from: from, auth: smtp.PlainAuth("", username, password, host)}
}

// Send emails msg.Body to msg.EndpointIdentity (the recipient address).
// ctx is accepted for interface symmetry with the other Senders; net/smtp
// has no context-aware send path.
func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	body := fmt.Sprintf("To: %s\r\nSubject: butler notification\r\n\r\n%s\r\n", msg.EndpointIdentity, msg.Body)
	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{msg.EndpointIdentity}, []byte(body)); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}
