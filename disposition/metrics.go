package disposition

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts decisions. A nil *Metrics records nothing.
type Metrics struct {
	dispositions *prometheus.CounterVec
	stageErrors  *prometheus.CounterVec
}

// NewMetrics registers the chain metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		dispositions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mockstate_dispositions_total",
			Help: "Decided dispositions by kind",
		}, []string{"kind"}),
		stageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mockstate_stage_errors_total",
			Help: "Stages that errored or panicked while claiming, by stage and reason",
		}, []string{"stage", "reason"}),
	}
}

func (m *Metrics) recordDisposition(kind Kind) {
	if m == nil {
		return
	}
	m.dispositions.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordStageError(stage, reason string) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(stage, reason).Inc()
}
