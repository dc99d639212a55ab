package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Backlog        prometheus.Gauge
	Retries        prometheus.Counter
	Reconciliation prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Backlog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "riskgate_journal_backlog",
			Help: "Decision outcomes not yet durably persisted",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_journal_retries_total",
			Help: "Background persistence retry attempts",
		}),
		Reconciliation: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_journal_reconciliation_total",
			Help: "Outcomes moved to the reconciliation set after exhausting retries",
		}),
	}
}

func (m *Metrics) backlog(n int) {
	if m != nil {
		m.Backlog.Set(float64(n))
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) reconciled(n int) {
	if m != nil {
		m.Reconciliation.Add(float64(n))
	}
}
