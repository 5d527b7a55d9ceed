// Package nats provides a NATS Core dispatcher.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/openesb/asyncbus/transport"
)

// DispatcherName is the name used to register this dispatcher.
const DispatcherName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// Register registers the NATS dispatcher with the default registry.
// This should be called from an init() function in an importing package,
// or explicitly before building the service.
func Register() {
	transport.Register(DispatcherName, Build)
}

// Build creates a NATS dispatcher. Deliveries are published on the subject
// named after the delivery target.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Dispatcher, error) {
	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       cfg.GetNATSURL(),
			Marshaler: &nats.NATSMarshaler{},
			NatsOptions: []nc.Option{
				nc.RetryOnFailedConnect(true),
				nc.Name("asyncbus"),
			},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}
	return transport.NewPublisherDispatcher(publisher), nil
}
