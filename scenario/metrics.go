package scenario

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the executor counters. A nil *Metrics records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	executions    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	eventsDropped prometheus.Counter
}

// NewMetrics registers the executor metrics with reg. A nil reg leaves them
// unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mockstate_transitions_total",
			Help: "Committed transitions by resource type, from state, to state and kind",
		}, []string{"resource_type", "from_state", "to_state", "kind"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mockstate_executions_total",
			Help: "Executions by resource type and outcome (advanced, noop or error code)",
		}, []string{"resource_type", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mockstate_execution_duration_seconds",
			Help:    "Duration of executions by resource type and outcome",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"resource_type", "outcome"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mockstate_events_dropped_total",
			Help: "Events dropped because the sink buffer was full",
		}),
	}
}

func (m *Metrics) recordTransition(resourceType, from, to string, kind string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(sanitize(resourceType), sanitize(from), sanitize(to), sanitize(kind)).Inc()
}

func (m *Metrics) recordExecution(resourceType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(sanitize(resourceType), outcome).Inc()
	m.duration.WithLabelValues(sanitize(resourceType), outcome).Observe(elapsed.Seconds())
}

// EventDropped counts one dropped event. It fits WithDropHandler.
func (m *Metrics) EventDropped(Event) {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func sanitize(label string) string {
	if label == "" {
		return "none"
	}
	return label
}
