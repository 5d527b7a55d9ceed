package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingPublisher struct {
	topic    string
	messages []*message.Message
	closed   bool
}

func (p *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.topic = topic
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *capturingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestPublisherDispatcher_Dispatch(t *testing.T) {
	pub := &capturingPublisher{}
	d := NewPublisherDispatcher(pub)

	delivery := Delivery{
		MessageID:      "msg-1",
		CorrelationKey: "order-42",
		Target:         "orders.outbound",
		PayloadRef:     "payloads/msg-1",
		Metadata:       map[string]string{"attempt": "1"},
	}

	require.NoError(t, d.Dispatch(context.Background(), delivery))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "orders.outbound", pub.topic)

	wm := pub.messages[0]
	assert.Equal(t, "msg-1", wm.UUID)
	assert.Equal(t, "order-42", wm.Metadata.Get("correlation_key"))
	assert.Equal(t, "1", wm.Metadata.Get("attempt"))

	decoded, err := DecodeDelivery(wm)
	require.NoError(t, err)
	assert.Equal(t, delivery, decoded)
}

func TestPublisherDispatcher_Dispatch_RequiresTarget(t *testing.T) {
	d := NewPublisherDispatcher(&capturingPublisher{})

	err := d.Dispatch(context.Background(), Delivery{MessageID: "msg-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}

func TestPublisherDispatcher_Close(t *testing.T) {
	pub := &capturingPublisher{}
	d := NewPublisherDispatcher(pub)

	require.NoError(t, d.Close())
	assert.True(t, pub.closed)
}

func TestDecodeDelivery_InvalidPayload(t *testing.T) {
	wm := message.NewMessage("msg-1", []byte("not json"))

	_, err := DecodeDelivery(wm)
	require.Error(t, err)
}
