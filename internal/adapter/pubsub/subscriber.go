package pubsub

import (
	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mlsds/delivery-service/config"
)

// SubscriberProvider builds one durable queue per (node, topic) pair bound
// to the shared exchange, so every node's fanout queue gets a copy of every
// published event regardless of which node produced it.
type SubscriberProvider struct {
	uri    string
	logger watermill.LoggerAdapter
}

func NewSubscriberProvider(cfg *config.Config, logger watermill.LoggerAdapter) *SubscriberProvider {
	return &SubscriberProvider{uri: cfg.AMQP.URI, logger: logger}
}

// Build returns a subscriber consuming queueName, bound to exchange via
// routingKey.
func (sp *SubscriberProvider) Build(queueName, exchange, routingKey string) (message.Subscriber, error) {
	cfg := amqp.NewDurablePubSubConfig(sp.uri, func(topic string) string { return queueName })
	cfg.Exchange = amqp.ExchangeConfig{
		GenerateName: func(topic string) string { return exchange },
		Type:         "topic",
		Durable:      true,
	}
	cfg.Queue.GenerateName = func(topic string) string { return queueName }
	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return routingKey }

	return amqp.NewSubscriber(cfg, sp.logger)
}
