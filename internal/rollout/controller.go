// Package rollout канареечные релизы и A/B тесты скореров.
//
// Каждой раскаткой владеет один писатель: операции оператора и автоматический анализ
// берут мьютекс раскатки и сверяют версию, которую видели на входе. Если за время ожидания
// версия ушла вперед, действие отклоняется с ErrStaleRolloutState. Исключение: abort,
// он применяется к любому progressing состоянию. Между инстансами ту же роль играет
// CAS по версии в хранилище.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra"
	"github.com/xela07ax/riskgate/internal/scoring"
	"go.uber.org/zap"
)

type Store interface {
	CreateRollout(ctx context.Context, r *domain.Rollout) error
	UpdateRollout(ctx context.Context, r *domain.Rollout, prevVersion int64) error
	GetRollout(ctx context.Context, id string) (*domain.Rollout, error)
	ListRollouts(ctx context.Context) ([]*domain.Rollout, error)
}

// Registry часть реестра скореров, нужная контроллеру.
type Registry interface {
	Get(id string) (*domain.Scorer, bool)
	Resolve(family string) (scoring.Resolution, error)
	CheckIntegrity(family string) error
	Transition(ctx context.Context, id string, from, to domain.DeploymentStatus) (*domain.Scorer, error)
	Promote(ctx context.Context, candidateID, expectedStableID string) error
}

// Windows источник метрик вариантов.
type Windows interface {
	Window(rolloutID, variant string, d time.Duration) domain.WindowStats
	Capture(ctx context.Context, rolloutID string, variants []string, d time.Duration) ([]domain.VariantSnapshot, error)
	History(ctx context.Context, rolloutID string, limit int) ([]domain.VariantSnapshot, error)
	Forget(rolloutID string)
}

type Config struct {
	TickInterval  time.Duration
	Step          int
	InitialWeight int
	RuleFamily    string
	Thresholds    domain.Thresholds
}

type entry struct {
	mu       sync.Mutex
	r        *domain.Rollout
	version  atomic.Int64
	lastEval time.Time
}

type Controller struct {
	store    Store
	registry Registry
	windows  Windows
	router   *Router
	rdb      *redis.Client
	metrics  *Metrics
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	families map[string]string // model family -> id активной раскатки
}

func NewController(store Store, registry Registry, windows Windows, router *Router, rdb *redis.Client, metrics *Metrics, cfg Config, logger *zap.Logger) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.RuleFamily == "" {
		cfg.RuleFamily = domain.DefaultRuleFamily
	}
	return &Controller{
		store:    store,
		registry: registry,
		windows:  windows,
		router:   router,
		rdb:      rdb,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.Named("rollout"),
		now:      time.Now,
		entries:  make(map[string]*entry),
		families: make(map[string]string),
	}
}

// CanaryRequest параметры запуска канарейки. Нулевые поля берутся из конфига.
type CanaryRequest struct {
	ModelFamily   string             `json:"model_family"`
	CandidateID   string             `json:"candidate_scorer_id"`
	RuleFamily    string             `json:"rule_family,omitempty"`
	InitialWeight int                `json:"initial_weight,omitempty"`
	Step          int                `json:"step,omitempty"`
	Thresholds    *domain.Thresholds `json:"thresholds,omitempty"`
}

// StartCanary переводит кандидата staging -> canary и начинает отдавать ему InitialWeight трафика.
func (c *Controller) StartCanary(ctx context.Context, req CanaryRequest) (*domain.Rollout, error) {
	if req.ModelFamily == "" || req.CandidateID == "" {
		return nil, fmt.Errorf("%w: model_family and candidate_scorer_id are required", domain.ErrInvalidRolloutTransition)
	}
	if err := c.registry.CheckIntegrity(req.ModelFamily); err != nil {
		return nil, err
	}
	res, err := c.registry.Resolve(req.ModelFamily)
	if err != nil {
		return nil, err
	}
	if res.Stable == nil {
		return nil, fmt.Errorf("family %s has no production scorer: %w", req.ModelFamily, domain.ErrNotFound)
	}
	cand, ok := c.registry.Get(req.CandidateID)
	if !ok {
		return nil, fmt.Errorf("scorer %s: %w", req.CandidateID, domain.ErrNotFound)
	}
	if cand.Family != req.ModelFamily {
		return nil, fmt.Errorf("%w: scorer %s belongs to family %s", domain.ErrInvalidRolloutTransition, cand.ID, cand.Family)
	}

	initial := orDefault(req.InitialWeight, c.cfg.InitialWeight)
	step := orDefault(req.Step, c.cfg.Step)
	if initial < 0 || initial > 100 || step <= 0 || step > 100 {
		return nil, fmt.Errorf("%w: initial weight %d / step %d out of range", domain.ErrInvalidRolloutTransition, initial, step)
	}
	ruleFamily := req.RuleFamily
	if ruleFamily == "" {
		ruleFamily = c.cfg.RuleFamily
	}

	now := c.now()
	ro := &domain.Rollout{
		ID:          uuid.NewString(),
		Kind:        domain.KindCanary,
		ModelFamily: req.ModelFamily,
		Stable:      domain.Variant{Name: domain.VariantStable, ScorerID: res.Stable.ID, RuleFamily: ruleFamily},
		Candidate:   domain.Variant{Name: domain.VariantCanary, ScorerID: cand.ID, RuleFamily: ruleFamily},
		Step:        step,
		Status:      domain.CanaryInitializing,
		Thresholds:  c.mergeThresholds(req.Thresholds),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e, err := c.create(ctx, ro)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := c.registry.Transition(ctx, cand.ID, domain.DeployStaging, domain.DeployCanary); err != nil {
		reason := fmt.Sprintf("candidate could not enter canary: %v", err)
		if _, cerr := c.commit(ctx, e, func(r *domain.Rollout) {
			r.Status = domain.CanaryFailed
			r.Reason = reason
			r.CompletedAt = ptr(c.now())
		}); cerr != nil {
			c.logger.Error("failed to record canary start failure", zap.String("rollout_id", ro.ID), zap.Error(cerr))
		}
		return nil, err
	}

	out, err := c.commit(ctx, e, func(r *domain.Rollout) {
		r.Status = domain.CanaryProgressing
		r.Weight = initial
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("canary started",
		zap.String("rollout_id", out.ID), zap.String("family", out.ModelFamily),
		zap.String("candidate", cand.ID), zap.Int("weight", out.Weight))
	return out, nil
}

// AdjustWeight ручная установка веса кандидата. expectedVersion 0 = версия на момент вызова.
func (c *Controller) AdjustWeight(ctx context.Context, id string, pct int, expectedVersion int64) (*domain.Rollout, error) {
	if pct < 0 || pct > 100 {
		return nil, fmt.Errorf("%w: weight %d outside 0..100", domain.ErrInvalidRolloutTransition, pct)
	}
	return c.act(ctx, id, "adjust_weight", expectedVersion, func(e *entry) (*domain.Rollout, error) {
		if err := c.require(e.r, "adjust_weight", domain.KindCanary, domain.CanaryProgressing); err != nil {
			return nil, err
		}
		if err := c.registry.CheckIntegrity(e.r.ModelFamily); err != nil {
			return nil, err
		}
		out, err := c.commit(ctx, e, func(r *domain.Rollout) { r.Weight = pct })
		if err == nil {
			c.logger.Info("canary weight adjusted", zap.String("rollout_id", id), zap.Int("weight", pct))
		}
		return out, err
	})
}

// Complete ручное завершение канарейки. Требует, чтобы пороги выполнялись прямо сейчас.
func (c *Controller) Complete(ctx context.Context, id string, expectedVersion int64) (*domain.Rollout, error) {
	return c.act(ctx, id, "complete", expectedVersion, func(e *entry) (*domain.Rollout, error) {
		if err := c.require(e.r, "complete", domain.KindCanary, domain.CanaryProgressing); err != nil {
			return nil, err
		}
		if err := c.registry.CheckIntegrity(e.r.ModelFamily); err != nil {
			return nil, err
		}
		th := e.r.Thresholds
		stats := c.windows.Window(e.r.ID, e.r.Candidate.Name, th.Interval())
		if stats.Count < th.MinSamples {
			return nil, fmt.Errorf("%w: %d samples, need %d", domain.ErrThresholdsNotMet, stats.Count, th.MinSamples)
		}
		if v := th.Check(stats); v != "" {
			return nil, fmt.Errorf("%w: %s", domain.ErrThresholdsNotMet, v)
		}
		return c.succeed(ctx, e, "operator")
	})
}

// Abort откат по команде оператора. Версию не сверяет: abort побеждает анализ.
// Если пока ждали блокировку раскатку завершили, проигравший получает ErrStaleRolloutState.
func (c *Controller) Abort(ctx context.Context, id, reason string) (*domain.Rollout, error) {
	e, err := c.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.abort(ctx, e, e.version.Load(), reason)
}

func (c *Controller) abort(ctx context.Context, e *entry, seen int64, reason string) (*domain.Rollout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.require(e.r, "abort", domain.KindCanary, domain.CanaryProgressing); err != nil {
		if e.r.Version != seen {
			return nil, fmt.Errorf("%w: rollout %s abort: became %s at version %d while waiting (saw %d)",
				domain.ErrStaleRolloutState, e.r.ID, e.r.Status, e.r.Version, seen)
		}
		return nil, err
	}
	if reason == "" {
		reason = "no reason given"
	}
	return c.rollback(ctx, e, "operator abort: "+reason)
}

// ExperimentRequest параметры A/B теста. Пустой ScorerID варианта = текущий production семейства.
type ExperimentRequest struct {
	ModelFamily string         `json:"model_family"`
	A           domain.Variant `json:"group_a"`
	B           domain.Variant `json:"group_b"`
	SplitPct    int            `json:"traffic_split_percentage"`
}

func (c *Controller) CreateExperiment(ctx context.Context, req ExperimentRequest) (*domain.Rollout, error) {
	if req.ModelFamily == "" {
		return nil, fmt.Errorf("%w: model_family is required", domain.ErrInvalidRolloutTransition)
	}
	if req.SplitPct < 0 || req.SplitPct > 100 {
		return nil, fmt.Errorf("%w: split %d outside 0..100", domain.ErrInvalidRolloutTransition, req.SplitPct)
	}
	for _, v := range []domain.Variant{req.A, req.B} {
		if v.ScorerID == "" {
			continue
		}
		s, ok := c.registry.Get(v.ScorerID)
		if !ok {
			return nil, fmt.Errorf("scorer %s: %w", v.ScorerID, domain.ErrNotFound)
		}
		if s.Family != req.ModelFamily || s.Status == domain.DeployRetired {
			return nil, fmt.Errorf("%w: scorer %s is %s in family %s", domain.ErrInvalidRolloutTransition, s.ID, s.Status, s.Family)
		}
	}
	a, b := req.A, req.B
	a.Name, b.Name = domain.VariantA, domain.VariantB
	if a.RuleFamily == "" {
		a.RuleFamily = c.cfg.RuleFamily
	}
	if b.RuleFamily == "" {
		b.RuleFamily = c.cfg.RuleFamily
	}

	now := c.now()
	ro := &domain.Rollout{
		ID:          uuid.NewString(),
		Kind:        domain.KindAB,
		ModelFamily: req.ModelFamily,
		Stable:      a,
		Candidate:   b,
		Weight:      req.SplitPct,
		Status:      domain.ABDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := c.create(ctx, ro); err != nil {
		return nil, err
	}
	c.logger.Info("experiment created", zap.String("rollout_id", ro.ID), zap.String("family", ro.ModelFamily))
	return ro.Clone(), nil
}

func (c *Controller) StartExperiment(ctx context.Context, id string, expectedVersion int64) (*domain.Rollout, error) {
	return c.abTransition(ctx, id, "start", expectedVersion, domain.ABRunning, domain.ABDraft)
}

func (c *Controller) PauseExperiment(ctx context.Context, id string, expectedVersion int64) (*domain.Rollout, error) {
	return c.abTransition(ctx, id, "pause", expectedVersion, domain.ABPaused, domain.ABRunning)
}

func (c *Controller) ResumeExperiment(ctx context.Context, id string, expectedVersion int64) (*domain.Rollout, error) {
	return c.abTransition(ctx, id, "resume", expectedVersion, domain.ABRunning, domain.ABPaused)
}

func (c *Controller) CancelExperiment(ctx context.Context, id, reason string, expectedVersion int64) (*domain.Rollout, error) {
	return c.act(ctx, id, "cancel", expectedVersion, func(e *entry) (*domain.Rollout, error) {
		if err := c.require(e.r, "cancel", domain.KindAB, domain.ABDraft, domain.ABRunning, domain.ABPaused); err != nil {
			return nil, err
		}
		return c.commit(ctx, e, func(r *domain.Rollout) {
			r.Status = domain.ABCancelled
			r.Reason = reason
			r.CompletedAt = ptr(c.now())
		})
	})
}

// CompleteExperiment фиксирует победителя ("A", "B" или пусто) и снимок метрик, по которому его выбрали.
func (c *Controller) CompleteExperiment(ctx context.Context, id, winner string, expectedVersion int64) (*domain.Rollout, error) {
	if winner != "" && winner != domain.VariantA && winner != domain.VariantB {
		return nil, fmt.Errorf("%w: winner must be A or B", domain.ErrInvalidRolloutTransition)
	}
	return c.act(ctx, id, "complete", expectedVersion, func(e *entry) (*domain.Rollout, error) {
		if err := c.require(e.r, "complete", domain.KindAB, domain.ABRunning, domain.ABPaused); err != nil {
			return nil, err
		}
		snaps, err := c.windows.Capture(ctx, e.r.ID, []string{e.r.Stable.Name, e.r.Candidate.Name}, 0)
		if err != nil {
			c.logger.Warn("experiment snapshot not persisted", zap.String("rollout_id", id), zap.Error(err))
		}
		if len(snaps) != 2 {
			return nil, fmt.Errorf("experiment %s: comparison snapshot unavailable", id)
		}
		cmp := &domain.Comparison{Stable: snaps[0], Candidate: snaps[1]}
		return c.commit(ctx, e, func(r *domain.Rollout) {
			r.Status = domain.ABCompleted
			r.Winner = winner
			r.Comparison = cmp
			r.CompletedAt = ptr(c.now())
		})
	})
}

func (c *Controller) abTransition(ctx context.Context, id, action string, expectedVersion int64, to domain.RolloutStatus, from ...domain.RolloutStatus) (*domain.Rollout, error) {
	return c.act(ctx, id, action, expectedVersion, func(e *entry) (*domain.Rollout, error) {
		if err := c.require(e.r, action, domain.KindAB, from...); err != nil {
			return nil, err
		}
		out, err := c.commit(ctx, e, func(r *domain.Rollout) { r.Status = to })
		if err == nil {
			c.logger.Info("experiment transition",
				zap.String("rollout_id", id), zap.String("action", action), zap.String("status", string(to)))
		}
		return out, err
	})
}

// Get текущее состояние раскатки.
func (c *Controller) Get(ctx context.Context, id string) (*domain.Rollout, error) {
	if e := c.entryFor(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.r.Clone(), nil
	}
	return c.store.GetRollout(ctx, id)
}

func (c *Controller) List(ctx context.Context) ([]*domain.Rollout, error) {
	return c.store.ListRollouts(ctx)
}

func (c *Controller) Routing() *Table { return c.router.Table() }

// RolloutMetrics живые окна вариантов плюс история снимков.
type RolloutMetrics struct {
	Rollout *domain.Rollout               `json:"rollout"`
	Live    map[string]domain.WindowStats `json:"live"`
	History []domain.VariantSnapshot      `json:"history"`
}

func (c *Controller) Metrics(ctx context.Context, id string, window time.Duration, historyLimit int) (*RolloutMetrics, error) {
	ro, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = ro.Thresholds.Interval()
	}
	hist, err := c.windows.History(ctx, id, historyLimit)
	if err != nil {
		return nil, err
	}
	return &RolloutMetrics{
		Rollout: ro,
		Live: map[string]domain.WindowStats{
			ro.Stable.Name:    c.windows.Window(id, ro.Stable.Name, window),
			ro.Candidate.Name: c.windows.Window(id, ro.Candidate.Name, window),
		},
		History: hist,
	}, nil
}

// --- внутренняя механика ---

// act общий каркас операторского действия: версия фиксируется до ожидания владения.
func (c *Controller) act(ctx context.Context, id, action string, expectedVersion int64, fn func(e *entry) (*domain.Rollout, error)) (*domain.Rollout, error) {
	e, err := c.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion == 0 {
		expectedVersion = e.version.Load()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.r.Version != expectedVersion {
		return nil, fmt.Errorf("%w: rollout %s %s: version %d, expected %d (status %s)",
			domain.ErrStaleRolloutState, id, action, e.r.Version, expectedVersion, e.r.Status)
	}
	return fn(e)
}

func (c *Controller) require(r *domain.Rollout, action string, kind domain.RolloutKind, allowed ...domain.RolloutStatus) error {
	if r.Kind == kind {
		for _, st := range allowed {
			if r.Status == st {
				return nil
			}
		}
	}
	return &domain.TransitionError{RolloutID: r.ID, Action: action, Current: r.Status}
}

// commit применяет изменение к копии, пишет с CAS по версии и публикует маршрут. Вызывается под e.mu.
func (c *Controller) commit(ctx context.Context, e *entry, mutate func(r *domain.Rollout)) (*domain.Rollout, error) {
	next := e.r.Clone()
	prev := next.Version
	mutate(next)
	next.Version = prev + 1
	next.UpdatedAt = c.now()

	if err := c.store.UpdateRollout(ctx, next, prev); err != nil {
		if errors.Is(err, domain.ErrStaleRolloutState) {
			// кто-то на другом инстансе успел раньше; подтягиваем его состояние
			if fresh, gerr := c.store.GetRollout(ctx, next.ID); gerr == nil {
				c.install(e, fresh)
			}
		}
		return nil, err
	}
	if e.r.Status != next.Status {
		c.metrics.transition(next)
	}
	c.install(e, next)
	infra.Publish(ctx, c.rdb, c.logger, infra.RedisChanRouting, next.ID)
	return next.Clone(), nil
}

// install делает состояние текущим: маршрут, метрики, владение семейством.
func (c *Controller) install(e *entry, r *domain.Rollout) {
	e.r = r
	e.version.Store(r.Version)

	route, ok := routeFor(r)
	if ok || c.router.Table().routeOwner(r.ModelFamily) == r.ID {
		c.router.Set(r.ModelFamily, route, ok)
	}
	c.metrics.weight(r)

	if !r.IsActive() {
		c.mu.Lock()
		if c.families[r.ModelFamily] == r.ID {
			delete(c.families, r.ModelFamily)
		}
		delete(c.entries, r.ID)
		c.mu.Unlock()
		c.windows.Forget(r.ID)
	}
}

func (c *Controller) create(ctx context.Context, ro *domain.Rollout) (*entry, error) {
	c.mu.Lock()
	if owner, busy := c.families[ro.ModelFamily]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is held by rollout %s", domain.ErrRolloutActive, ro.ModelFamily, owner)
	}
	c.families[ro.ModelFamily] = ro.ID
	e := &entry{r: ro, lastEval: c.now()}
	e.version.Store(ro.Version)
	c.entries[ro.ID] = e
	c.mu.Unlock()

	if err := c.store.CreateRollout(ctx, ro); err != nil {
		c.mu.Lock()
		delete(c.families, ro.ModelFamily)
		delete(c.entries, ro.ID)
		c.mu.Unlock()
		return nil, err
	}
	c.metrics.transition(ro)
	return e, nil
}

func (c *Controller) entryFor(id string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[id]
}

// lookup активная раскатка; завершенные отвечают TransitionError с текущим статусом.
func (c *Controller) lookup(ctx context.Context, id string) (*entry, error) {
	if e := c.entryFor(id); e != nil {
		return e, nil
	}
	r, err := c.store.GetRollout(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.IsActive() {
		return nil, &domain.TransitionError{RolloutID: id, Action: "modify", Current: r.Status}
	}
	return c.adopt(r), nil
}

// adopt берет под управление раскатку, созданную другим инстансом или до рестарта.
func (c *Controller) adopt(r *domain.Rollout) *entry {
	c.mu.Lock()
	if e, ok := c.entries[r.ID]; ok {
		c.mu.Unlock()
		return e
	}
	e := &entry{r: r, lastEval: c.now()}
	e.version.Store(r.Version)
	c.entries[r.ID] = e
	c.families[r.ModelFamily] = r.ID
	c.mu.Unlock()

	e.mu.Lock()
	c.install(e, r)
	e.mu.Unlock()
	return e
}

func (c *Controller) succeed(ctx context.Context, e *entry, by string) (*domain.Rollout, error) {
	ro := e.r
	if err := c.registry.Promote(ctx, ro.Candidate.ScorerID, ro.Stable.ScorerID); err != nil {
		if errors.Is(err, domain.ErrConfigurationIntegrity) {
			return nil, err
		}
		reason := fmt.Sprintf("promotion failed: %v", err)
		if _, cerr := c.commit(ctx, e, func(r *domain.Rollout) {
			r.Status = domain.CanaryFailed
			r.Weight = 0
			r.Reason = reason
			r.CompletedAt = ptr(c.now())
		}); cerr != nil {
			c.logger.Error("failed to record promotion failure", zap.String("rollout_id", ro.ID), zap.Error(cerr))
		}
		c.demote(ctx, ro)
		return nil, err
	}

	out, err := c.commit(ctx, e, func(r *domain.Rollout) {
		r.Status = domain.CanarySucceeded
		r.Weight = 100
		r.Violations = 0
		r.CompletedAt = ptr(c.now())
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("canary succeeded",
		zap.String("rollout_id", out.ID), zap.String("promoted", out.Candidate.ScorerID),
		zap.String("retired", out.Stable.ScorerID), zap.String("by", by))
	return out, nil
}

func (c *Controller) rollback(ctx context.Context, e *entry, reason string) (*domain.Rollout, error) {
	out, err := c.commit(ctx, e, func(r *domain.Rollout) {
		r.Status = domain.CanaryRollback
		r.Weight = 0
		r.Reason = reason
		r.CompletedAt = ptr(c.now())
	})
	if err != nil {
		return nil, err
	}
	c.demote(ctx, out)
	c.logger.Warn("canary rolled back", zap.String("rollout_id", out.ID), zap.String("reason", reason))
	return out, nil
}

// demote возвращает кандидата в staging. Трафик к этому моменту уже снят.
func (c *Controller) demote(ctx context.Context, ro *domain.Rollout) {
	if _, err := c.registry.Transition(ctx, ro.Candidate.ScorerID, domain.DeployCanary, domain.DeployStaging); err != nil {
		c.logger.Error("candidate not returned to staging",
			zap.String("rollout_id", ro.ID), zap.String("scorer_id", ro.Candidate.ScorerID), zap.Error(err))
	}
}

func (c *Controller) mergeThresholds(t *domain.Thresholds) domain.Thresholds {
	out := c.cfg.Thresholds
	if t == nil {
		return out
	}
	if t.MaxErrorRate > 0 {
		out.MaxErrorRate = t.MaxErrorRate
	}
	if t.MaxP95LatencyMs > 0 {
		out.MaxP95LatencyMs = t.MaxP95LatencyMs
	}
	if t.MinSuccessRate > 0 {
		out.MinSuccessRate = t.MinSuccessRate
	}
	if t.IntervalSec > 0 {
		out.IntervalSec = t.IntervalSec
	}
	if t.MaxViolations > 0 {
		out.MaxViolations = t.MaxViolations
	}
	if t.MinSamples > 0 {
		out.MinSamples = t.MinSamples
	}
	return out
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func ptr[T any](v T) *T { return &v }
