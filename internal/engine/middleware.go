package engine

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	idspkg "github.com/openesb/asyncbus/internal/engine/ids"
	loggingpkg "github.com/openesb/asyncbus/internal/engine/logging"
)

// Metadata keys used on the internal processing pipeline.
const (
	metadataMessageID = "asyncbus_message_id"
	metadataRouteName = "asyncbus_route"
	metadataAttempt   = "asyncbus_attempt"
	metadataTraceID   = "asyncbus_trace_id"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TraceIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// TraceIDMiddleware ensures each processed pipeline message carries a trace identifier.
func TraceIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "trace_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.traceIDMiddleware(), nil
		},
	}
}

// LogMessagesMiddleware logs every pipeline message before it is handled.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return s.logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.tracerMiddleware(), nil
		},
	}
}

// MetricsMiddleware adds Prometheus router metrics and, when a metrics port
// is configured, exposes the /metrics endpoint.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				prometheus.DefaultRegisterer,
				"asyncbus",
				"pipeline",
			)
			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors so a panicking
// route processor fails the attempt instead of crashing the process.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

// traceIDMiddleware injects a trace ID into the message metadata when missing.
func (s *Service) traceIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(m *message.Message) ([]*message.Message, error) {
			if _, ok := m.Metadata[metadataTraceID]; !ok {
				m.Metadata[metadataTraceID] = idspkg.NewMessageID()
			}
			return h(m)
		}
	}
}

// logMessagesMiddleware logs all pipeline messages with their metadata.
func (s *Service) logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(m *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing pipeline message", loggingpkg.LogFields{
				"message_id": m.Metadata.Get(metadataMessageID),
				"route":      m.Metadata.Get(metadataRouteName),
				"attempt":    m.Metadata.Get(metadataAttempt),
			})
			return h(m)
		}
	}
}

// tracerMiddleware wraps message handling with an OpenTelemetry span.
func (s *Service) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(m *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("asyncbus-engine")
			ctx, span := tracer.Start(
				m.Context(),
				"ProcessAttempt",
			)
			defer span.End()
			m.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.id", m.Metadata.Get(metadataMessageID)),
				attribute.String("message.route", m.Metadata.Get(metadataRouteName)),
				attribute.String("message.attempt", m.Metadata.Get(metadataAttempt)),
			)
			return h(m)
		}
	}
}
