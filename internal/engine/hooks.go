package engine

import (
	"context"
	"time"

	"github.com/openesb/asyncbus/internal/engine/logging"
	"github.com/openesb/asyncbus/internal/engine/msg"
)

// AttemptContext provides information about a processing attempt to hooks.
type AttemptContext struct {
	// MessageID is the unique identifier of the message being processed.
	MessageID string
	// RouteName is the route the message was submitted on.
	RouteName string
	// Attempt is the attempt number, starting at 1.
	Attempt int
	// State is the lifecycle state after the attempt settled (only set in
	// OnAttemptDone and OnAttemptError).
	State msg.State
	// Context is the context associated with the attempt.
	Context context.Context
	// StartedAt is when the attempt started.
	StartedAt time.Time
	// Duration is how long the attempt took (only set in OnAttemptDone and
	// OnAttemptError).
	Duration time.Duration
}

// LifecycleHooks defines callbacks for processing attempt events.
// All hooks are optional - nil hooks are simply not called.
type LifecycleHooks struct {
	// OnAttemptStart is called when a worker begins a processing attempt.
	OnAttemptStart func(ctx AttemptContext)

	// OnAttemptDone is called when an attempt settles without an error.
	// The message may be OK, or WAITING_FOR_RESPONSE for asynchronous routes.
	OnAttemptDone func(ctx AttemptContext)

	// OnAttemptError is called when an attempt fails. The resulting state
	// tells retry (PARTLY_FAILED), exhaustion (FAILED_WARN) and final
	// failure (FAILED) apart.
	OnAttemptError func(ctx AttemptContext, err error)
}

// Merge combines two LifecycleHooks, creating a new LifecycleHooks that calls
// both. The hooks from 'other' are called after the hooks from 'h'.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnAttemptStart: chainAttemptHooks(h.OnAttemptStart, other.OnAttemptStart),
		OnAttemptDone:  chainAttemptHooks(h.OnAttemptDone, other.OnAttemptDone),
		OnAttemptError: chainAttemptErrorHooks(h.OnAttemptError, other.OnAttemptError),
	}
}

func chainAttemptHooks(a, b func(AttemptContext)) func(AttemptContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx AttemptContext) {
		a(ctx)
		b(ctx)
	}
}

func chainAttemptErrorHooks(a, b func(AttemptContext, error)) func(AttemptContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx AttemptContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h LifecycleHooks) fireStart(ctx AttemptContext) {
	if h.OnAttemptStart != nil {
		h.OnAttemptStart(ctx)
	}
}

func (h LifecycleHooks) fireDone(ctx AttemptContext) {
	if h.OnAttemptDone != nil {
		h.OnAttemptDone(ctx)
	}
}

func (h LifecycleHooks) fireError(ctx AttemptContext, err error) {
	if h.OnAttemptError != nil {
		h.OnAttemptError(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log attempt lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) LifecycleHooks {
	return LifecycleHooks{
		OnAttemptStart: func(ctx AttemptContext) {
			logger.Info("Attempt started", logging.LogFields{
				"message_id": ctx.MessageID,
				"route":      ctx.RouteName,
				"attempt":    ctx.Attempt,
			})
		},
		OnAttemptDone: func(ctx AttemptContext) {
			logger.Info("Attempt completed", logging.LogFields{
				"message_id":  ctx.MessageID,
				"route":       ctx.RouteName,
				"attempt":     ctx.Attempt,
				"state":       string(ctx.State),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnAttemptError: func(ctx AttemptContext, err error) {
			logger.Error("Attempt failed", err, logging.LogFields{
				"message_id":  ctx.MessageID,
				"route":       ctx.RouteName,
				"attempt":     ctx.Attempt,
				"state":       string(ctx.State),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record attempt metrics.
func MetricsHooks(onStart, onDone func(route string), onError func(route string, state msg.State)) LifecycleHooks {
	return LifecycleHooks{
		OnAttemptStart: func(ctx AttemptContext) {
			if onStart != nil {
				onStart(ctx.RouteName)
			}
		},
		OnAttemptDone: func(ctx AttemptContext) {
			if onDone != nil {
				onDone(ctx.RouteName)
			}
		},
		OnAttemptError: func(ctx AttemptContext, err error) {
			if onError != nil {
				onError(ctx.RouteName, ctx.State)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on attempt errors.
func AlertingHooks(alertFunc func(ctx AttemptContext, err error)) LifecycleHooks {
	return LifecycleHooks{
		OnAttemptError: alertFunc,
	}
}
