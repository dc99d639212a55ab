package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время принятия решения без записи аудита
	DecisionDuration *prometheus.HistogramVec

	// Traffic: решения по статусу и варианту раскатки
	Decisions *prometheus.CounterVec

	// Degradation: решения только на правилах
	Degraded *prometheus.CounterVec

	// Audit: решения, отданные клиенту до записи
	PersistenceLag prometheus.Counter

	// Хэнд-оффы в ревью и челлендж, потерянные после всех ретраев
	HandoffFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DecisionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskgate_decision_duration_seconds",
			Help:    "Histogram of decision latencies.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .075, .1, .15, .25},
		}, []string{"status"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_decisions_total",
			Help: "Total number of decisions by status and variant.",
		}, []string{"status", "variant"}),

		Degraded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_degraded_total",
			Help: "Decisions computed from rules alone.",
		}, []string{"reason"}), // timeout, scorer_error, no_scorer, integrity, kill_switch

		PersistenceLag: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "riskgate_persistence_lag_total",
			Help: "Decisions returned before the audit record was durable.",
		}),

		HandoffFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_handoff_failures_total",
			Help: "Review and challenge hand-offs abandoned after retries.",
		}, []string{"kind"}),
	}
}
