package rollout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/riskgate/internal/domain"
)

type Metrics struct {
	Weight      *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Analysis    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Weight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskgate_rollout_weight",
			Help: "Candidate (or group B) traffic weight per rollout",
		}, []string{"rollout_id"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_rollout_transitions_total",
			Help: "Rollout lifecycle transitions by kind and resulting status",
		}, []string{"kind", "status"}),
		Analysis: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_rollout_analysis_total",
			Help: "Automatic canary analysis results",
		}, []string{"result"}),
	}
}

func (m *Metrics) weight(r *domain.Rollout) {
	if m == nil {
		return
	}
	if r.IsActive() {
		m.Weight.WithLabelValues(r.ID).Set(float64(r.Weight))
		return
	}
	m.Weight.DeleteLabelValues(r.ID)
}

func (m *Metrics) transition(r *domain.Rollout) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(r.Kind), string(r.Status)).Inc()
}

func (m *Metrics) analysis(result string) {
	if m == nil {
		return
	}
	m.Analysis.WithLabelValues(result).Inc()
}
