package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra"
	"go.uber.org/zap"
)

var errInvalidScore = errors.New("score out of range")

// Store хранилище скореров. ApplyTransitions применяет пачку CAS атомарно:
// если хоть один скорер уже не в статусе From, не применяется ничего и возвращается ErrConflictingDeployment.
type Store interface {
	ListScorers(ctx context.Context) ([]domain.Scorer, error)
	CreateScorer(ctx context.Context, s *domain.Scorer) error
	ApplyTransitions(ctx context.Context, ts []domain.StatusTransition) error
}

// Resolution кто сейчас обслуживает семейство.
type Resolution struct {
	Stable    *domain.Scorer
	Candidate *domain.Scorer
}

// Score ответ модели и фактическая задержка вызова.
type Score struct {
	Value   float64
	Latency time.Duration
}

// registryState неизменяемый снимок; пишущие собирают новый и подменяют указатель.
type registryState struct {
	byID map[string]*domain.Scorer
}

type Registry struct {
	store   Store
	client  Client
	rdb     *redis.Client
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	state       atomic.Pointer[registryState]
	writeMu     sync.Mutex
	familyLocks sync.Map // family -> *sync.Mutex
}

func NewRegistry(store Store, client Client, rdb *redis.Client, metrics *Metrics, logger *zap.Logger) *Registry {
	r := &Registry{
		store:   store,
		client:  client,
		rdb:     rdb,
		metrics: metrics,
		logger:  logger.Named("registry"),
		now:     time.Now,
	}
	r.state.Store(&registryState{byID: map[string]*domain.Scorer{}})
	return r
}

// Load перечитывает все скореры из хранилища.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.store.ListScorers(ctx)
	if err != nil {
		return fmt.Errorf("load scorers: %w", err)
	}
	next := &registryState{byID: make(map[string]*domain.Scorer, len(list))}
	for i := range list {
		s := list[i]
		next.byID[s.ID] = &s
	}

	r.writeMu.Lock()
	r.state.Store(next)
	r.writeMu.Unlock()

	for _, fam := range r.families() {
		if err := r.CheckIntegrity(fam); err != nil {
			r.logger.Error("registry integrity violation", zap.String("family", fam), zap.Error(err))
		}
	}
	return nil
}

// StartListener подхватывает изменения, сделанные другими инстансами.
func (r *Registry) StartListener(ctx context.Context) {
	if r.rdb == nil {
		return
	}
	reload := func() error { return r.Load(ctx) }
	go infra.ListenResilient(ctx, r.rdb, r.logger, infra.RedisChanScorersUpdate, reload, func(string) {
		if err := reload(); err != nil {
			r.logger.Error("scorer reload failed", zap.Error(err))
		}
	})
}

func (r *Registry) Get(id string) (*domain.Scorer, bool) {
	s, ok := r.state.Load().byID[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// List скореры семейства (все, если family пустой), упорядочены по семейству и ID.
func (r *Registry) List(family string) []domain.Scorer {
	st := r.state.Load()
	out := make([]domain.Scorer, 0, len(st.byID))
	for _, s := range st.byID {
		if family == "" || s.Family == family {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve production и canary скореры семейства.
func (r *Registry) Resolve(family string) (Resolution, error) {
	var res Resolution
	prod, canary := r.holders(r.state.Load(), family)
	if len(prod) > 1 || len(canary) > 1 {
		return res, r.integrityError(family, prod, canary)
	}
	if len(prod) == 1 {
		cp := *prod[0]
		res.Stable = &cp
	}
	if len(canary) == 1 {
		cp := *canary[0]
		res.Candidate = &cp
	}
	return res, nil
}

// CheckIntegrity не больше одного production и одного canary на семейство.
func (r *Registry) CheckIntegrity(family string) error {
	prod, canary := r.holders(r.state.Load(), family)
	if len(prod) > 1 || len(canary) > 1 {
		return r.integrityError(family, prod, canary)
	}
	return nil
}

// Register новый артефакт от пайплайна обучения всегда входит в development.
func (r *Registry) Register(ctx context.Context, s *domain.Scorer) (*domain.Scorer, error) {
	if s.Family == "" || s.Version == "" {
		return nil, fmt.Errorf("%w: model_family and version are required", domain.ErrInvalidTransition)
	}
	if s.Status == "" {
		s.Status = domain.DeployDevelopment
	}
	if s.Status != domain.DeployDevelopment {
		return nil, fmt.Errorf("%w: new scorer must start in %s", domain.ErrInvalidTransition, domain.DeployDevelopment)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := r.now()
	s.CreatedAt, s.UpdatedAt = now, now

	unlock := r.lockFamily(s.Family)
	defer unlock()

	if _, exists := r.state.Load().byID[s.ID]; exists {
		return nil, fmt.Errorf("%w: scorer %s already exists", domain.ErrConflictingDeployment, s.ID)
	}
	if err := r.store.CreateScorer(ctx, s); err != nil {
		return nil, err
	}
	cp := *s
	r.publish(func(m map[string]*domain.Scorer) { m[cp.ID] = &cp })
	r.notify(ctx, cp.ID)
	return s, nil
}

// Transition CAS перехода статуса. from пустой = текущий статус.
// production/canary занимаются только если слот семейства свободен.
func (r *Registry) Transition(ctx context.Context, id string, from, to domain.DeploymentStatus) (*domain.Scorer, error) {
	cur, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("scorer %s: %w", id, domain.ErrNotFound)
	}

	unlock := r.lockFamily(cur.Family)
	defer unlock()

	st := r.state.Load()
	cur = st.byID[id]
	if from == "" {
		from = cur.Status
	}
	if cur.Status != from {
		return nil, fmt.Errorf("%w: scorer %s is %s, expected %s", domain.ErrConflictingDeployment, id, cur.Status, from)
	}
	if err := cur.CanTransitionTo(to); err != nil {
		return nil, err
	}

	prod, canary := r.holders(st, cur.Family)
	if len(prod) > 1 || len(canary) > 1 {
		// пока конфликт не разрешен, разрешено только выводить скореры из эксплуатации
		if to != domain.DeployRetired {
			return nil, r.integrityError(cur.Family, prod, canary)
		}
	}
	switch to {
	case domain.DeployProduction:
		if h := other(prod, id); h != nil {
			return nil, fmt.Errorf("%w: %s already holds production in %s", domain.ErrConflictingDeployment, h.ID, cur.Family)
		}
	case domain.DeployCanary:
		if h := other(canary, id); h != nil {
			return nil, fmt.Errorf("%w: %s already holds canary in %s", domain.ErrConflictingDeployment, h.ID, cur.Family)
		}
	}

	ts := []domain.StatusTransition{{ScorerID: id, From: from, To: to, At: r.now()}}
	if err := r.apply(ctx, ts); err != nil {
		return nil, err
	}
	r.logger.Info("scorer status changed",
		zap.String("scorer_id", id), zap.String("from", string(from)), zap.String("to", string(to)))
	updated, _ := r.Get(id)
	return updated, nil
}

// Promote кандидат становится production, прежний production уходит в retired одной операцией.
// expectedStableID должен совпадать с текущим production (пустой, если его нет), иначе кто-то успел раньше.
func (r *Registry) Promote(ctx context.Context, candidateID, expectedStableID string) error {
	cand, ok := r.Get(candidateID)
	if !ok {
		return fmt.Errorf("scorer %s: %w", candidateID, domain.ErrNotFound)
	}

	unlock := r.lockFamily(cand.Family)
	defer unlock()

	st := r.state.Load()
	cand = st.byID[candidateID]
	prod, canary := r.holders(st, cand.Family)
	if len(prod) > 1 || len(canary) > 1 {
		return r.integrityError(cand.Family, prod, canary)
	}
	if err := cand.CanTransitionTo(domain.DeployProduction); err != nil {
		return err
	}

	currentID := ""
	if len(prod) == 1 {
		currentID = prod[0].ID
	}
	if currentID != expectedStableID {
		return fmt.Errorf("%w: production in %s is %q, expected %q",
			domain.ErrConflictingDeployment, cand.Family, currentID, expectedStableID)
	}

	now := r.now()
	ts := []domain.StatusTransition{{ScorerID: candidateID, From: cand.Status, To: domain.DeployProduction, At: now}}
	if currentID != "" && currentID != candidateID {
		ts = append(ts, domain.StatusTransition{ScorerID: currentID, From: domain.DeployProduction, To: domain.DeployRetired, At: now})
	}
	if err := r.apply(ctx, ts); err != nil {
		return err
	}
	r.logger.Info("scorer promoted",
		zap.String("family", cand.Family), zap.String("scorer_id", candidateID), zap.String("retired", currentID))
	return nil
}

// Invoke вызывает модель в пределах дедлайна ctx. По истечении возвращает ErrScorerTimeout,
// не дожидаясь клиента.
func (r *Registry) Invoke(ctx context.Context, s *domain.Scorer, tx *domain.Transaction) (Score, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("%w: scorer %s: no budget left", domain.ErrScorerTimeout, s.ID)
		r.metrics.observeError(err)
		return Score{}, err
	}

	type result struct {
		v   float64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := r.client.Score(ctx, s, tx)
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		lat := time.Since(start)
		err := res.err
		switch {
		case err != nil && ctx.Err() != nil:
			err = fmt.Errorf("%w: scorer %s: %v", domain.ErrScorerTimeout, s.ID, err)
		case err != nil:
			err = fmt.Errorf("scorer %s: %w", s.ID, err)
		case math.IsNaN(res.v) || res.v < 0 || res.v > 100:
			err = fmt.Errorf("scorer %s: %w: %v", s.ID, errInvalidScore, res.v)
		}
		if err != nil {
			r.metrics.observeError(err)
			return Score{Latency: lat}, err
		}
		return Score{Value: res.v, Latency: lat}, nil
	case <-ctx.Done():
		err := fmt.Errorf("%w: scorer %s after %s", domain.ErrScorerTimeout, s.ID, time.Since(start))
		r.metrics.observeError(err)
		return Score{Latency: time.Since(start)}, err
	}
}

func (r *Registry) apply(ctx context.Context, ts []domain.StatusTransition) error {
	if err := r.store.ApplyTransitions(ctx, ts); err != nil {
		return err
	}
	r.publish(func(m map[string]*domain.Scorer) {
		for _, t := range ts {
			cp := *m[t.ScorerID]
			cp.Status = t.To
			cp.UpdatedAt = t.At
			m[t.ScorerID] = &cp
		}
	})
	for _, t := range ts {
		r.notify(ctx, t.ScorerID)
	}
	return nil
}

// publish копирует карту, применяет изменения и подменяет снимок.
func (r *Registry) publish(mutate func(m map[string]*domain.Scorer)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	cur := r.state.Load()
	next := make(map[string]*domain.Scorer, len(cur.byID)+1)
	for k, v := range cur.byID {
		next[k] = v
	}
	mutate(next)
	r.state.Store(&registryState{byID: next})
}

func (r *Registry) notify(ctx context.Context, id string) {
	infra.Publish(ctx, r.rdb, r.logger, infra.RedisChanScorersUpdate, id)
}

func (r *Registry) lockFamily(family string) func() {
	v, _ := r.familyLocks.LoadOrStore(family, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Registry) holders(st *registryState, family string) (prod, canary []*domain.Scorer) {
	for _, s := range st.byID {
		if s.Family != family {
			continue
		}
		switch s.Status {
		case domain.DeployProduction:
			prod = append(prod, s)
		case domain.DeployCanary:
			canary = append(canary, s)
		}
	}
	return prod, canary
}

func (r *Registry) families() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range r.state.Load().byID {
		if _, ok := seen[s.Family]; !ok {
			seen[s.Family] = struct{}{}
			out = append(out, s.Family)
		}
	}
	return out
}

func (r *Registry) integrityError(family string, prod, canary []*domain.Scorer) error {
	return fmt.Errorf("%w: family %s has %d production and %d canary scorers",
		domain.ErrConfigurationIntegrity, family, len(prod), len(canary))
}

func other(holders []*domain.Scorer, id string) *domain.Scorer {
	for _, h := range holders {
		if h.ID != id {
			return h
		}
	}
	return nil
}
