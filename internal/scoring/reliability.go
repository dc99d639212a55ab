package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/riskgate/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("scorer rate limit exceeded")

type ReliabilityConfig struct {
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration // через сколько открытый CB попробует "закрыться"
	MaxFailures   uint32
	RateLimit     float64
	RateBurst     int
	RetryAttempts uint
}

// ReliableClient оборачивает клиента лимитером, предохранителем (свой на каждый скорер) и ретраями.
type ReliableClient struct {
	next    Client
	cfg     ReliabilityConfig
	limiter *rate.Limiter
	metrics *Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewReliableClient(next Client, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliableClient {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 1
	}
	return &ReliableClient{
		next:     next,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		metrics:  metrics,
		logger:   logger.Named("scorer-reliability"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (w *ReliableClient) Score(ctx context.Context, s *domain.Scorer, tx *domain.Transaction) (float64, error) {
	// 1. Rate Limiter: Wait сразу откажет, если ждать дольше дедлайна
	if err := w.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", errRateLimited, err)
	}

	// 2. Circuit Breaker
	res, err := w.breaker(s.ID).Execute(func() (interface{}, error) {
		var score float64
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.RetryAttempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		retryErr := r.Do(func() error {
			var callErr error
			score, callErr = w.next.Score(ctx, s, tx)
			return callErr
		})
		return score, retryErr
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

func (w *ReliableClient) breaker(scorerID string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[scorerID]; ok {
		return cb
	}
	maxFailures := w.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        scorerID,
		MaxRequests: w.cfg.MaxRequests,
		Interval:    w.cfg.Interval,
		Timeout:     w.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("scorer circuit state changed",
				zap.String("scorer_id", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if w.metrics != nil {
				w.metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	w.breakers[scorerID] = cb
	return cb
}
