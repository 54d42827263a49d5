package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	pubsubadapter "github.com/mlsds/delivery-service/internal/adapter/pubsub"
	"github.com/mlsds/delivery-service/internal/domain/event"
	"github.com/mlsds/delivery-service/internal/domain/registry"
)

const (
	// DeliveryExchange carries every conversation event replicated across
	// delivery-service nodes — see DESIGN.md's cross-node fan-out entry.
	DeliveryExchange = "im_delivery.broadcast"
	deliveryTopic     = "conversation.events.#"
)

// MessageHandler subscribes this node to the shared exchange and
// re-delivers any event whose recipient device is connected to this node's
// Hub — a locality filter so only the node actually holding the device's
// connection re-publishes the event to it.
type MessageHandler struct {
	hub    registry.Hubber
	logger *slog.Logger
}

func NewMessageHandler(hub registry.Hubber, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{hub: hub, logger: logger}
}

// RegisterHandlers builds this node's exclusive fanout queue and wires its
// consumer into the router.
func (h *MessageHandler) RegisterHandlers(router *message.Router, subProvider *pubsubadapter.SubscriberProvider) error {
	nodeID, err := os.Hostname()
	if err != nil {
		nodeID = watermill.NewShortUUID()
	}
	queue := fmt.Sprintf("mlsds.conversation.events.%s", nodeID)

	sub, err := subProvider.Build(queue, DeliveryExchange, deliveryTopic)
	if err != nil {
		return fmt.Errorf("amqp: build subscriber for %s: %w", queue, err)
	}

	router.AddNoPublisherHandler(queue+"_consume", deliveryTopic, sub, h.handle)
	return nil
}

func (h *MessageHandler) handle(msg *message.Message) error {
	var ev event.StreamEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		h.logger.Error("AMQP_DECODE_FAILED", slog.Any("err", err), slog.String("msg_id", msg.UUID))
		return nil // ack: poison-pill protection, never retried
	}

	if !h.hub.IsConnected(ev.RecipientDevice) {
		return nil // ack: recipient is connected to a different node
	}

	h.hub.Broadcast(&ev)
	return nil
}

// NewWatermillRouter initializes the router and manages its lifecycle via fx.
func NewWatermillRouter(lc fx.Lifecycle, logger *slog.Logger) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					logger.Error("watermill router run error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return router.Close()
		},
	})

	return router, nil
}
