package scoring

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/xela07ax/riskgate/internal/domain"
)

// SimProfile поведение симулированной модели.
type SimProfile struct {
	Bias      float64       // прибавка к базовому скору
	Latency   time.Duration // минимальная задержка
	Jitter    time.Duration // случайная добавка к задержке
	ErrorRate float64       // доля 0..1 отказов
}

// SimulatedClient песочница для локального запуска и нагрузочных прогонов:
// скор растет с суммой, профили задаются по ID скорера.
type SimulatedClient struct {
	mu       sync.RWMutex
	def      SimProfile
	profiles map[string]SimProfile
}

func NewSimulatedClient(def SimProfile) *SimulatedClient {
	return &SimulatedClient{def: def, profiles: make(map[string]SimProfile)}
}

func (c *SimulatedClient) SetProfile(scorerID string, p SimProfile) {
	c.mu.Lock()
	c.profiles[scorerID] = p
	c.mu.Unlock()
}

func (c *SimulatedClient) profile(scorerID string) SimProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.profiles[scorerID]; ok {
		return p
	}
	return c.def
}

func (c *SimulatedClient) Score(ctx context.Context, s *domain.Scorer, tx *domain.Transaction) (float64, error) {
	p := c.profile(s.ID)

	latency := p.Latency
	if p.Jitter > 0 {
		latency += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	if p.ErrorRate > 0 && rand.Float64() < p.ErrorRate {
		return 0, fmt.Errorf("simulated scorer %s internal error", s.ID)
	}
	return SimulatedScore(tx, p.Bias), nil
}

// SimulatedScore детерминированная часть скора: до 60 баллов за сумму плюс bias.
func SimulatedScore(tx *domain.Transaction, bias float64) float64 {
	amount := tx.Amount.InexactFloat64()
	score := amount / 10000
	if score > 60 {
		score = 60
	}
	score += bias
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
