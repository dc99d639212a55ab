package scoring

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/riskgate/internal/domain"
)

type Metrics struct {
	Errors       *prometheus.CounterVec
	CircuitState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_scorer_errors_total",
			Help: "Failed scorer invocations by failure type",
		}, []string{"type"}),
		// 0 closed, 1 half-open, 2 open
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskgate_scorer_circuit_state",
			Help: "Circuit breaker state per scorer",
		}, []string{"scorer"}),
	}
}

func (m *Metrics) observeError(err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(errorType(err)).Inc()
}

func errorType(err error) string {
	var tErr *ThrottleError
	switch {
	case errors.Is(err, domain.ErrScorerTimeout):
		return "timeout"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.As(err, &tErr):
		return "throttled"
	case errors.Is(err, errInvalidScore):
		return "invalid_score"
	}
	return "remote"
}
