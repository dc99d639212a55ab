package rollout

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xela07ax/riskgate/internal/domain"
)

// Route маршрут одного семейства моделей. Weight доля трафика на Candidate (0..100).
type Route struct {
	RolloutID string             `json:"rollout_id"`
	Kind      domain.RolloutKind `json:"kind"`
	Stable    domain.Variant     `json:"stable"`
	Candidate domain.Variant     `json:"candidate"`
	Weight    int                `json:"candidate_weight"`
}

func (r Route) StableWeight() int { return 100 - r.Weight }

// Pick детерминированно выбирает вариант по ключу бакетирования.
// Пока таблица не менялась, один и тот же ключ всегда попадает в один и тот же вариант.
func (r Route) Pick(bucketKey string) domain.Variant {
	if Bucket(r.RolloutID, bucketKey) < r.Weight {
		return r.Candidate
	}
	return r.Stable
}

// Bucket номер бакета 0..99. Соль раскатки не дает разным тестам делить одни и те же бакеты.
func Bucket(salt, key string) int {
	h := fnv.New32a()
	h.Write([]byte(salt))
	h.Write([]byte{':'})
	h.Write([]byte(key))
	return int(h.Sum32() % 100)
}

// Table неизменяемая таблица маршрутов: model family -> Route.
type Table struct {
	version int64
	routes  map[string]Route
}

func (t *Table) Version() int64 { return t.version }

func (t *Table) Route(family string) (Route, bool) {
	r, ok := t.routes[family]
	return r, ok
}

// Routes копия для API.
func (t *Table) Routes() map[string]Route {
	out := make(map[string]Route, len(t.routes))
	for k, v := range t.routes {
		out[k] = v
	}
	return out
}

func (t *Table) routeOwner(family string) string {
	return t.routes[family].RolloutID
}

func (t *Table) Families() []string {
	out := make([]string, 0, len(t.routes))
	for k := range t.routes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Router держит текущую таблицу. Читатели не блокируются, писатели подменяют указатель.
type Router struct {
	mu  sync.Mutex
	ptr atomic.Pointer[Table]
}

func NewRouter() *Router {
	r := &Router{}
	r.ptr.Store(&Table{routes: map[string]Route{}})
	return r
}

func (r *Router) Table() *Table { return r.ptr.Load() }

// Set публикует маршрут семейства; ok=false убирает его.
func (r *Router) Set(family string, route Route, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.ptr.Load()
	next := &Table{version: cur.version + 1, routes: make(map[string]Route, len(cur.routes)+1)}
	for k, v := range cur.routes {
		next.routes[k] = v
	}
	if ok {
		next.routes[family] = route
	} else {
		delete(next.routes, family)
	}
	r.ptr.Store(next)
}

// routeFor маршрут, соответствующий текущему состоянию раскатки.
// Приостановленный A/B тест отдает весь трафик группе A.
func routeFor(ro *domain.Rollout) (Route, bool) {
	switch ro.Status {
	case domain.CanaryProgressing, domain.ABRunning, domain.ABPaused:
	default:
		return Route{}, false
	}
	w := ro.Weight
	if ro.Status == domain.ABPaused {
		w = 0
	}
	return Route{
		RolloutID: ro.ID,
		Kind:      ro.Kind,
		Stable:    ro.Stable,
		Candidate: ro.Candidate,
		Weight:    w,
	}, true
}
