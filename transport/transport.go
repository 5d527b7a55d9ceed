// Package transport defines the outbound dispatch contract of the lifecycle
// engine. Each dispatcher implementation (kafka, amqp, nats, aws, channel)
// lives in its own sub-package and registers itself with the dispatcher
// registry.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/openesb/asyncbus/internal/engine/jsoncodec"
)

// Delivery is the unit handed to a dispatcher when an asynchronous message is
// sent to its downstream system. PayloadRef is the opaque reference to the
// stored request body; dispatchers forward it, they never resolve it.
type Delivery struct {
	MessageID      string            `json:"message_id"`
	CorrelationKey string            `json:"correlation_key,omitempty"`
	Target         string            `json:"target"`
	PayloadRef     string            `json:"payload_ref"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Dispatcher delivers messages to a downstream system. Dispatch must be safe
// for concurrent use; a returned error fails the processing attempt and goes
// through error classification like any handler error.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) error
	Close() error
}

// Builder is the function signature for creating a dispatcher from config.
// Each dispatcher package should provide a Builder function that can be
// registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Dispatcher, error)

// Config provides the configuration values needed by dispatchers. This
// interface allows dispatchers to access only the config they need without
// depending on the full config package.
type Config interface {
	// GetDispatchSystem returns the dispatcher type name.
	GetDispatchSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// AMQP
	GetAMQPURL() string

	// NATS
	GetNATSURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// PublisherDispatcher adapts a Watermill publisher into a Dispatcher. The
// delivery is JSON-encoded as the message payload and published to the
// delivery's target topic.
type PublisherDispatcher struct {
	publisher message.Publisher
}

// NewPublisherDispatcher wraps the publisher. The publisher is closed by
// Close.
func NewPublisherDispatcher(publisher message.Publisher) *PublisherDispatcher {
	return &PublisherDispatcher{publisher: publisher}
}

func (p *PublisherDispatcher) Dispatch(ctx context.Context, d Delivery) error {
	if d.Target == "" {
		return fmt.Errorf("delivery target is required")
	}
	wm, err := EncodeDelivery(d)
	if err != nil {
		return err
	}
	wm.SetContext(ctx)
	return p.publisher.Publish(d.Target, wm)
}

func (p *PublisherDispatcher) Close() error {
	return p.publisher.Close()
}

// EncodeDelivery turns a delivery into a Watermill message. The message UUID
// is the engine message ID so downstream deduplication can key on it.
func EncodeDelivery(d Delivery) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delivery: %w", err)
	}
	wm := message.NewMessage(d.MessageID, payload)
	wm.Metadata.Set("correlation_key", d.CorrelationKey)
	for k, v := range d.Metadata {
		wm.Metadata.Set(k, v)
	}
	return wm, nil
}

// DecodeDelivery parses a Watermill message produced by EncodeDelivery.
func DecodeDelivery(wm *message.Message) (Delivery, error) {
	var d Delivery
	if err := jsoncodec.Unmarshal(wm.Payload, &d); err != nil {
		return Delivery{}, fmt.Errorf("failed to decode delivery: %w", err)
	}
	return d, nil
}
