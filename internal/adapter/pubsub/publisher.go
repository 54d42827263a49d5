// Package pubsub wires the watermill AMQP transport used to replicate
// conversation events across delivery-service nodes (§5's "single
// logical service, multiple physical nodes" note): each node fans a
// recipient-bound event out locally via the Hub, and publishes it onto a
// shared exchange so every other node's fanout queue also sees it and can
// deliver to a recipient device connected to *that* node.
package pubsub

import (
	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mlsds/delivery-service/config"
)

// PublisherProvider builds a durable, topic-exchange watermill publisher
// against the configured AMQP broker.
type PublisherProvider struct {
	uri    string
	logger watermill.LoggerAdapter
}

func NewPublisherProvider(cfg *config.Config, logger watermill.LoggerAdapter) *PublisherProvider {
	return &PublisherProvider{uri: cfg.AMQP.URI, logger: logger}
}

// Build returns a publisher bound to exchange (durable, topic-routed).
func (pp *PublisherProvider) Build(exchange string) (message.Publisher, error) {
	cfg := amqp.NewDurablePubSubConfig(pp.uri, nil)
	cfg.Exchange = amqp.ExchangeConfig{
		GenerateName: func(topic string) string { return exchange },
		Type:         "topic",
		Durable:      true,
	}
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }

	return amqp.NewPublisher(cfg, pp.logger)
}
