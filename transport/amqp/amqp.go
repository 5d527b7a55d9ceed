// Package amqp provides a RabbitMQ/AMQP dispatcher.
package amqp

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/openesb/asyncbus/transport"
)

// DispatcherName is the name used to register this dispatcher.
const DispatcherName = "amqp"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// Register registers the AMQP dispatcher with the default registry.
// This should be called from an init() function in an importing package,
// or explicitly before building the service.
func Register() {
	transport.Register(DispatcherName, Build)
}

// Build creates an AMQP dispatcher publishing to durable pub/sub exchanges.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Dispatcher, error) {
	url := cfg.GetAMQPURL()

	amqpConfig := amqp.NewDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicName,
	)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return nil, err
	}
	return transport.NewPublisherDispatcher(publisher), nil
}
