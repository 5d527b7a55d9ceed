// Package kafka provides a Kafka dispatcher.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/openesb/asyncbus/transport"
)

// DispatcherName is the name used to register this dispatcher.
const DispatcherName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

func init() {
	transport.Register(DispatcherName, Build)
}

// Build creates a Kafka dispatcher. Deliveries are published to the topic
// named after the delivery target.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Dispatcher, error) {
	publisherConfig := kafka.PublisherConfig{
		Brokers:   cfg.GetKafkaBrokers(),
		Marshaler: kafka.DefaultMarshaler{},
	}
	if clientID := cfg.GetKafkaClientID(); clientID != "" {
		saramaConfig := kafka.DefaultSaramaSyncPublisherConfig()
		saramaConfig.ClientID = clientID
		publisherConfig.OverwriteSaramaConfig = saramaConfig
	}

	publisher, err := PublisherFactory(publisherConfig, logger)
	if err != nil {
		return nil, err
	}
	return transport.NewPublisherDispatcher(publisher), nil
}
