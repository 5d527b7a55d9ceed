package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openesb/asyncbus/transport"
)

func TestRegisteredByDefault(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(DispatcherName))
}

func TestBuild(t *testing.T) {
	d, err := Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, d.Close())
}

func TestDispatchAndConsume(t *testing.T) {
	d := New(1)
	defer d.Close()

	delivery := transport.Delivery{
		MessageID:  "msg-1",
		Target:     "orders.outbound",
		PayloadRef: "payloads/msg-1",
	}
	require.NoError(t, d.Dispatch(context.Background(), delivery))

	select {
	case got := <-d.Deliveries():
		assert.Equal(t, delivery, got)
	case <-time.After(time.Second):
		t.Fatal("delivery was not queued")
	}
}

func TestDispatchBlocksUntilCancelled(t *testing.T) {
	d := New(1)
	defer d.Close()

	require.NoError(t, d.Dispatch(context.Background(), transport.Delivery{MessageID: "a", Target: "t"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Dispatch(ctx, transport.Delivery{MessageID: "b", Target: "t"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchAfterClose(t *testing.T) {
	d := New(1)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	err := d.Dispatch(context.Background(), transport.Delivery{MessageID: "a", Target: "t"})
	require.Error(t, err)
}
