package amqp

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	pubsubadapter "github.com/mlsds/delivery-service/internal/adapter/pubsub"
	"github.com/mlsds/delivery-service/internal/service"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(
		pubsubadapter.NewSubscriberProvider,
		pubsubadapter.NewPublisherProvider,

		func(pp *pubsubadapter.PublisherProvider) (message.Publisher, error) {
			return pp.Build(DeliveryExchange)
		},
		func(pub message.Publisher) pubsubadapter.EventDispatcher {
			return pubsubadapter.NewEventDispatcher(pub)
		},

		NewMessageHandler,
		NewWatermillRouter,
	),

	fx.Invoke(func(
		stream *service.EventStream,
		dispatcher pubsubadapter.EventDispatcher,
		h *MessageHandler,
		router *message.Router,
		subProvider *pubsubadapter.SubscriberProvider,
	) error {
		stream.SetExporter(dispatcher)
		return h.RegisterHandlers(router, subProvider)
	}),
)
