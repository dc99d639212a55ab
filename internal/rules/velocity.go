package rules

import (
	"context"
	"sync"
	"time"
)

const maxVelocityEntries = 256

// VelocityTracker скользящие окна транзакций по пользователю, только в памяти инстанса.
type VelocityTracker struct {
	windows sync.Map // map[string]*userWindow
	horizon time.Duration
}

type userWindow struct {
	mu   sync.Mutex
	seen []time.Time
	dead bool // окно вычищено Sweep и удалено из карты
}

// NewVelocityTracker horizon максимальное окно, которое будут спрашивать правила.
func NewVelocityTracker(horizon time.Duration) *VelocityTracker {
	return &VelocityTracker{horizon: horizon}
}

// Observe фиксирует транзакцию после оценки.
func (v *VelocityTracker) Observe(userID string, at time.Time) {
	for {
		raw, _ := v.windows.LoadOrStore(userID, &userWindow{})
		w := raw.(*userWindow)
		w.mu.Lock()
		if w.dead {
			// проиграли гонку со Sweep: берем свежее окно
			w.mu.Unlock()
			continue
		}
		keep := trim(w.seen, at.Add(-v.horizon))
		keep = append(keep, at)
		if len(keep) > maxVelocityEntries {
			keep = keep[len(keep)-maxVelocityEntries:]
		}
		w.seen = keep
		w.mu.Unlock()
		return
	}
}

// Count сколько транзакций пользователя попало в окно до now.
func (v *VelocityTracker) Count(userID string, window time.Duration, now time.Time) int {
	raw, ok := v.windows.Load(userID)
	if !ok {
		return 0
	}
	w := raw.(*userWindow)
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	n := 0
	for _, t := range w.seen {
		if t.After(cutoff) && !t.After(now) {
			n++
		}
	}
	return n
}

// Sweep удаляет пользователей без транзакций за horizon. Возвращает число удаленных.
func (v *VelocityTracker) Sweep(now time.Time) int {
	cutoff := now.Add(-v.horizon)
	removed := 0
	v.windows.Range(func(k, raw any) bool {
		w := raw.(*userWindow)
		w.mu.Lock()
		w.seen = trim(w.seen, cutoff)
		if len(w.seen) == 0 {
			w.dead = true
			v.windows.CompareAndDelete(k, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Run периодически вызывает Sweep до отмены ctx.
func (v *VelocityTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v.Sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Len число отслеживаемых пользователей.
func (v *VelocityTracker) Len() int {
	n := 0
	v.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func trim(seen []time.Time, cutoff time.Time) []time.Time {
	keep := seen[:0]
	for _, t := range seen {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	return keep
}
