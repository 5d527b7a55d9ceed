package engine

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/openesb/asyncbus/internal/engine/config"
)

func TestRegisterMiddleware_RequiresMiddlewareOrBuilder(t *testing.T) {
	s := newTestService(t, nil, ServiceDependencies{})

	err := s.RegisterMiddleware(MiddlewareRegistration{Name: "empty"})
	require.Error(t, err)
}

func TestRegisterMiddleware_BuilderReturningNilIsSkipped(t *testing.T) {
	s := newTestService(t, nil, ServiceDependencies{})

	err := s.RegisterMiddleware(MiddlewareRegistration{
		Name: "noop",
		Builder: func(*Service) (message.HandlerMiddleware, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)
}

func TestTraceIDMiddleware_InjectsWhenMissing(t *testing.T) {
	s := newTestService(t, nil, ServiceDependencies{})
	mw := s.traceIDMiddleware()

	handler := mw(func(m *message.Message) ([]*message.Message, error) {
		return nil, nil
	})

	wm := message.NewMessage("uuid-1", nil)
	wm.SetContext(context.Background())
	_, err := handler(wm)
	require.NoError(t, err)
	assert.NotEmpty(t, wm.Metadata[metadataTraceID])

	// An existing trace id is preserved.
	existing := wm.Metadata[metadataTraceID]
	_, err = handler(wm)
	require.NoError(t, err)
	assert.Equal(t, existing, wm.Metadata[metadataTraceID])
}

func TestCustomMiddlewareAppendedToChain(t *testing.T) {
	called := false
	custom := MiddlewareRegistration{
		Name: "marker",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(m *message.Message) ([]*message.Message, error) {
				called = true
				return h(m)
			}
		},
	}

	s := newTestService(t, &configpkg.Config{}, ServiceDependencies{
		DisableDefaultMiddlewares: true,
		Middlewares:               []MiddlewareRegistration{custom},
	})
	require.NotNil(t, s)
	assert.False(t, called, "middleware runs only when the router processes messages")
}
