package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestSendDispatchesToRegisteredProvider(t *testing.T) {
	tg := &recordingSender{}
	n := New(map[string]Sender{"telegram": tg}, Config{})

	err := n.Send(context.Background(), Message{Channel: "telegram", Provider: "telegram", EndpointIdentity: "chat-1", Body: "hi"})
	require.NoError(t, err)
	require.Len(t, tg.sent, 1)
	require.Equal(t, "chat-1", tg.sent[0].EndpointIdentity)
}

func TestSendRejectsUnknownProvider(t *testing.T) {
	n := New(map[string]Sender{"telegram": &recordingSender{}}, Config{})

	err := n.Send(context.Background(), Message{Channel: "slack", Provider: "slack", EndpointIdentity: "c1", Body: "hi"})
	require.Error(t, err)
}

func TestSendRejectsEmptyBody(t *testing.T) {
	n := New(map[string]Sender{"telegram": &recordingSender{}}, Config{})

	err := n.Send(context.Background(), Message{Channel: "telegram", Provider: "telegram", EndpointIdentity: "c1"})
	require.Error(t, err)
}

func TestSendEnforcesRateLimit(t *testing.T) {
	tg := &recordingSender{}
	n := New(map[string]Sender{"telegram": tg}, Config{MaxMessagesPerMinute: 1})

	require.NoError(t, n.Send(context.Background(), Message{Channel: "telegram", Provider: "telegram", EndpointIdentity: "c1", Body: "one"}))
	err := n.Send(context.Background(), Message{Channel: "telegram", Provider: "telegram", EndpointIdentity: "c1", Body: "two"})
	require.Error(t, err)
	require.Len(t, tg.sent, 1)
}

func TestSendWrapsSenderFailure(t *testing.T) {
	failing := &recordingSender{err: context.DeadlineExceeded}
	n := New(map[string]Sender{"telegram": failing}, Config{})

	err := n.Send(context.Background(), Message{Channel: "telegram", Provider: "telegram", EndpointIdentity: "c1", Body: "hi"})
	require.Error(t, err)
}
