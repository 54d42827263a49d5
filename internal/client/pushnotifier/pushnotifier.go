// Package pushnotifier is the optional push-notification capability §9's
// Design Notes call out: an interface abstraction with two capabilities —
// register-token and send-to-device — optional; a no-op implementation is
// acceptable.
package pushnotifier

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Notifier abstracts best-effort delivery to an offline device.
type Notifier interface {
	RegisterToken(ctx context.Context, principal string, deviceID uuid.UUID, token, provider string) error
	UnregisterToken(ctx context.Context, principal string, deviceID uuid.UUID) error
	Notify(ctx context.Context, deviceID uuid.UUID, conversationID uuid.UUID, kind string) error
}

// NoOp satisfies Notifier without doing anything — the default when
// external_push_enabled is false (§6's "durable outbox for push
// notifications is optional; if absent, push is best-effort").
type NoOp struct{}

func (NoOp) RegisterToken(context.Context, string, uuid.UUID, string, string) error { return nil }
func (NoOp) UnregisterToken(context.Context, string, uuid.UUID) error               { return nil }
func (NoOp) Notify(context.Context, uuid.UUID, uuid.UUID, string) error             { return nil }

// AMQPNotifier publishes a push hint onto a watermill topic for a separate
// push-gateway worker to consume; it never blocks the send path on an
// actual push-provider round trip.
type AMQPNotifier struct {
	publisher message.Publisher
	topic     string
}

func NewAMQPNotifier(publisher message.Publisher, topic string) *AMQPNotifier {
	return &AMQPNotifier{publisher: publisher, topic: topic}
}

func (n *AMQPNotifier) RegisterToken(ctx context.Context, principal string, deviceID uuid.UUID, token, provider string) error {
	slog.InfoContext(ctx, "PUSH_TOKEN_REGISTERED",
		slog.String("principal", principal), slog.String("device_id", deviceID.String()),
		slog.String("provider", provider))
	return nil
}

func (n *AMQPNotifier) UnregisterToken(ctx context.Context, principal string, deviceID uuid.UUID) error {
	slog.InfoContext(ctx, "PUSH_TOKEN_UNREGISTERED",
		slog.String("principal", principal), slog.String("device_id", deviceID.String()))
	return nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, deviceID, conversationID uuid.UUID, kind string) error {
	payload := []byte(`{"device_id":"` + deviceID.String() + `","conversation_id":"` + conversationID.String() + `","kind":"` + kind + `"}`)
	msg := message.NewMessage(uuid.NewString(), payload)
	return n.publisher.Publish(n.topic, msg)
}
