package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openesb/asyncbus/internal/engine/msg"
)

// Metrics holds the Prometheus collectors for the lifecycle engine.
type Metrics struct {
	transitions  *prometheus.CounterVec
	correlations *prometheus.CounterVec
	retries      *prometheus.CounterVec
	active       prometheus.Gauge
}

// NewMetrics builds and registers the collectors on the given registerer.
// Pass prometheus.DefaultRegisterer for the process-wide registry or a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asyncbus",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by source and target state.",
		}, []string{"from", "to"}),
		correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asyncbus",
			Name:      "correlations_total",
			Help:      "Correlation outcomes: correlated, orphan, late.",
		}, []string{"result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asyncbus",
			Name:      "retries_total",
			Help:      "Retry scheduling decisions: scheduled, exhausted.",
		}, []string{"decision"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asyncbus",
			Name:      "attempts_in_flight",
			Help:      "Processing attempts currently running.",
		}),
	}
	reg.MustRegister(m.transitions, m.correlations, m.retries, m.active)
	return m
}

func (m *Metrics) observeTransition(from, to msg.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) observeCorrelation(result string) {
	if m == nil {
		return
	}
	m.correlations.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRetry(decision string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(decision).Inc()
}

func (m *Metrics) attemptStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) attemptFinished() {
	if m == nil {
		return
	}
	m.active.Dec()
}
