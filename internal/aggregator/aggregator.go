// Package aggregator скользящие окна метрик по вариантам раскаток.
package aggregator

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/riskgate/internal/domain"
)

// Sample одно решение, обслуженное вариантом. Failed = внутренняя ошибка (деградация скоринга).
type Sample struct {
	At      time.Time
	Latency time.Duration
	Failed  bool
}

// SnapshotStore append-only история снимков.
type SnapshotStore interface {
	AppendSnapshots(ctx context.Context, snaps []domain.VariantSnapshot) error
	ListSnapshots(ctx context.Context, rolloutID string, limit int) ([]domain.VariantSnapshot, error)
}

type key struct {
	rollout string
	variant string
}

// ring окно фиксированного размера; старые сэмплы перезаписываются.
type ring struct {
	mu   sync.Mutex
	buf  []Sample
	next int
	full bool
}

func (r *ring) add(s Sample) {
	r.mu.Lock()
	r.buf[r.next] = s
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// copySince копия сэмплов не старше cutoff; дальше считаем без блокировки.
func (r *ring) copySince(cutoff time.Time) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		if s := r.buf[i]; cutoff.IsZero() || !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

type Aggregator struct {
	size    int
	store   SnapshotStore
	now     func() time.Time
	windows sync.Map // key -> *ring
	closed  sync.Map // rolloutID -> struct{}
}

func New(size int, store SnapshotStore) *Aggregator {
	if size <= 0 {
		size = 10000
	}
	return &Aggregator{size: size, store: store, now: time.Now}
}

// Record fire-and-forget из горячего пути.
func (a *Aggregator) Record(rolloutID, variant string, s Sample) {
	if rolloutID == "" {
		return
	}
	if s.At.IsZero() {
		s.At = a.now()
	}
	if a.isClosed(rolloutID) {
		return
	}
	k := key{rolloutID, variant}
	v, ok := a.windows.Load(k)
	if !ok {
		v, _ = a.windows.LoadOrStore(k, &ring{buf: make([]Sample, a.size)})
		// Forget мог пройти между проверкой и вставкой
		if a.isClosed(rolloutID) {
			a.windows.Delete(k)
			return
		}
	}
	v.(*ring).add(s)
}

func (a *Aggregator) isClosed(rolloutID string) bool {
	_, ok := a.closed.Load(rolloutID)
	return ok
}

// Window агрегат за последние d (d <= 0: все окно).
func (a *Aggregator) Window(rolloutID, variant string, d time.Duration) domain.WindowStats {
	v, ok := a.windows.Load(key{rolloutID, variant})
	if !ok {
		return domain.WindowStats{}
	}
	var cutoff time.Time
	if d > 0 {
		cutoff = a.now().Add(-d)
	}
	return Summarize(v.(*ring).copySince(cutoff))
}

// Capture фиксирует окна вариантов в истории и возвращает снимки.
func (a *Aggregator) Capture(ctx context.Context, rolloutID string, variants []string, d time.Duration) ([]domain.VariantSnapshot, error) {
	at := a.now()
	snaps := make([]domain.VariantSnapshot, 0, len(variants))
	for _, name := range variants {
		snaps = append(snaps, domain.VariantSnapshot{
			RolloutID:   rolloutID,
			Variant:     name,
			At:          at,
			WindowSec:   int(d / time.Second),
			WindowStats: a.Window(rolloutID, name, d),
		})
	}
	if a.store != nil {
		if err := a.store.AppendSnapshots(ctx, snaps); err != nil {
			return snaps, err
		}
	}
	return snaps, nil
}

func (a *Aggregator) History(ctx context.Context, rolloutID string, limit int) ([]domain.VariantSnapshot, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.ListSnapshots(ctx, rolloutID, limit)
}

// Forget освобождает окна завершенной раскатки. История остается.
// Запоздавшие Record по этой раскатке после Forget отбрасываются.
func (a *Aggregator) Forget(rolloutID string) {
	a.closed.Store(rolloutID, struct{}{})
	a.windows.Range(func(k, _ any) bool {
		if k.(key).rollout == rolloutID {
			a.windows.Delete(k)
		}
		return true
	})
}

// Summarize success = отсутствие внутренней ошибки, поэтому SuccessRate = 1 - ErrorRate.
func Summarize(samples []Sample) domain.WindowStats {
	n := len(samples)
	if n == 0 {
		return domain.WindowStats{}
	}
	lat := make([]float64, n)
	errs := 0
	for i, s := range samples {
		if s.Failed {
			errs++
		}
		lat[i] = float64(s.Latency) / float64(time.Millisecond)
	}
	sort.Float64s(lat)
	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	errRate := float64(errs) / float64(n)
	return domain.WindowStats{
		Count:        n,
		Errors:       errs,
		ErrorRate:    errRate,
		SuccessRate:  1 - errRate,
		P95LatencyMs: lat[idx],
	}
}
