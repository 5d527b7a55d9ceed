// Package channel provides an in-memory dispatcher. It is useful for testing
// and local development: dispatched deliveries can be consumed from the
// Deliveries channel.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/openesb/asyncbus/transport"
)

// DispatcherName is the name used to register this dispatcher.
const DispatcherName = "channel"

// DefaultBuffer is the delivery channel buffer used by Build.
const DefaultBuffer = 64

func init() {
	transport.Register(DispatcherName, Build)
}

// Dispatcher buffers deliveries on an in-memory channel.
type Dispatcher struct {
	mu         sync.Mutex
	deliveries chan transport.Delivery
	closed     bool
}

// New creates an in-memory dispatcher with the given channel buffer.
func New(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{
		deliveries: make(chan transport.Delivery, buffer),
	}
}

// Build creates an in-memory dispatcher with the default buffer.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Dispatcher, error) {
	return New(DefaultBuffer), nil
}

// Dispatch queues the delivery. It blocks when the buffer is full until a
// consumer reads from Deliveries or the context is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery transport.Delivery) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("channel dispatcher is closed")
	}
	d.mu.Unlock()

	select {
	case d.deliveries <- delivery:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliveries returns the channel dispatched deliveries are queued on.
func (d *Dispatcher) Deliveries() <-chan transport.Delivery {
	return d.deliveries
}

// Close closes the delivery channel. Dispatch calls after Close fail.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.deliveries)
	return nil
}
