package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra"
	"go.uber.org/zap"
)

// Run цикл автоматического анализа канареек. Блокирует до отмены ctx.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	c.logger.Info("rollout analysis loop started", zap.Duration("tick", c.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("rollout analysis loop stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick анализирует канарейки, у которых подошел интервал.
func (c *Controller) Tick(ctx context.Context) {
	now := c.now()
	c.mu.Lock()
	active := make(map[string]*entry, len(c.entries))
	for id, e := range c.entries {
		active[id] = e
	}
	c.mu.Unlock()

	// порядок блокировок: e.mu -> c.mu, поэтому записи перебираем вне c.mu
	due := make([]string, 0, len(active))
	for id, e := range active {
		e.mu.Lock()
		ready := e.r.Kind == domain.KindCanary && e.r.Status == domain.CanaryProgressing &&
			!now.Before(e.lastEval.Add(e.r.Thresholds.Interval()))
		if ready {
			e.lastEval = now
		}
		e.mu.Unlock()
		if ready {
			due = append(due, id)
		}
	}

	for _, id := range due {
		if !c.claimAnalysis(ctx, id) {
			continue
		}
		if err := c.Evaluate(ctx, id); err != nil && !errors.Is(err, domain.ErrStaleRolloutState) {
			c.logger.Error("canary analysis failed", zap.String("rollout_id", id), zap.Error(err))
		}
	}
}

// claimAnalysis при нескольких инстансах интервал анализирует только один (SetNX).
func (c *Controller) claimAnalysis(ctx context.Context, id string) bool {
	if c.rdb == nil {
		return true
	}
	e := c.entryFor(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	ttl := e.r.Thresholds.Interval()
	e.mu.Unlock()
	if ttl <= 0 {
		ttl = c.cfg.TickInterval
	}
	// чуть короче интервала, чтобы следующий тик не уперся в собственный ключ
	if ttl > time.Second {
		ttl -= 100 * time.Millisecond
	}
	ok, err := c.rdb.SetNX(ctx, infra.RedisKeyLockAnalysis+":"+id, "processing", ttl).Result()
	if err != nil {
		// без Redis анализ не останавливаем: CAS в хранилище не даст двум инстансам записать одно и то же
		c.logger.Warn("analysis lock unavailable", zap.String("rollout_id", id), zap.Error(err))
		return true
	}
	return ok
}

// Evaluate один шаг анализа канарейки. Метрики снимаются без владения раскаткой,
// решение применяется под владением и только если версия не изменилась.
func (c *Controller) Evaluate(ctx context.Context, id string) error {
	e := c.entryFor(id)
	if e == nil {
		return fmt.Errorf("rollout %s: %w", id, domain.ErrNotFound)
	}

	e.mu.Lock()
	ro := e.r.Clone()
	e.mu.Unlock()
	seen := ro.Version

	if ro.Kind != domain.KindCanary || ro.Status != domain.CanaryProgressing {
		return nil
	}
	if err := c.registry.CheckIntegrity(ro.ModelFamily); err != nil {
		c.metrics.analysis("blocked")
		return err
	}

	th := ro.Thresholds
	snaps, err := c.windows.Capture(ctx, ro.ID, []string{ro.Stable.Name, ro.Candidate.Name}, th.Interval())
	if err != nil {
		c.logger.Warn("variant snapshot not persisted", zap.String("rollout_id", ro.ID), zap.Error(err))
	}
	if len(snaps) != 2 {
		return fmt.Errorf("rollout %s: variant windows unavailable", ro.ID)
	}
	cand := snaps[1].WindowStats
	if cand.Count < th.MinSamples {
		c.metrics.analysis("insufficient_samples")
		c.logger.Debug("not enough canary samples",
			zap.String("rollout_id", ro.ID), zap.Int("count", cand.Count), zap.Int("need", th.MinSamples))
		return nil
	}
	violation := th.Check(cand)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.r.Version != seen {
		c.metrics.analysis("stale")
		c.logger.Info("discarding stale canary analysis",
			zap.String("rollout_id", ro.ID), zap.Int64("seen", seen), zap.Int64("current", e.r.Version))
		return fmt.Errorf("%w: rollout %s changed during analysis", domain.ErrStaleRolloutState, ro.ID)
	}

	if violation == "" {
		if e.r.Weight >= 100 {
			c.metrics.analysis("promote")
			_, err := c.succeed(ctx, e, "analysis")
			return err
		}
		next := e.r.Weight + e.r.Step
		if next > 100 {
			next = 100
		}
		c.metrics.analysis("step")
		out, err := c.commit(ctx, e, func(r *domain.Rollout) {
			r.Weight = next
			r.Violations = 0
		})
		if err == nil {
			c.logger.Info("canary weight increased",
				zap.String("rollout_id", out.ID), zap.Int("weight", out.Weight),
				zap.Float64("error_rate", cand.ErrorRate), zap.Float64("p95_ms", cand.P95LatencyMs))
		}
		return err
	}

	violations := e.r.Violations + 1
	if violations >= th.MaxViolations {
		c.metrics.analysis("rollback")
		_, err := c.rollback(ctx, e, fmt.Sprintf("%s for %d consecutive intervals", violation, violations))
		return err
	}
	c.metrics.analysis("violation")
	c.logger.Warn("canary threshold violated",
		zap.String("rollout_id", ro.ID), zap.String("violation", violation), zap.Int("consecutive", violations))
	_, err = c.commit(ctx, e, func(r *domain.Rollout) { r.Violations = violations })
	return err
}

// Recover поднимает активные раскатки после рестарта. Канарейка, застрявшая в initializing,
// завершается как failed: неизвестно, успел ли кандидат перейти в canary.
func (c *Controller) Recover(ctx context.Context) error {
	list, err := c.store.ListRollouts(ctx)
	if err != nil {
		return fmt.Errorf("recover rollouts: %w", err)
	}
	for _, r := range list {
		if !r.IsActive() {
			continue
		}
		e := c.adopt(r)
		if r.Status != domain.CanaryInitializing {
			continue
		}
		e.mu.Lock()
		out, err := c.commit(ctx, e, func(x *domain.Rollout) {
			x.Status = domain.CanaryFailed
			x.Reason = "interrupted during initialization"
			x.CompletedAt = ptr(c.now())
		})
		e.mu.Unlock()
		if err != nil {
			c.logger.Error("failed to close interrupted canary", zap.String("rollout_id", r.ID), zap.Error(err))
			continue
		}
		if s, ok := c.registry.Get(out.Candidate.ScorerID); ok && s.Status == domain.DeployCanary {
			c.demote(ctx, out)
		}
	}
	c.mu.Lock()
	active := len(c.entries)
	c.mu.Unlock()
	c.logger.Info("rollouts recovered", zap.Int("active", active))
	return nil
}

// StartListener применяет изменения раскаток, сделанные на других инстансах.
func (c *Controller) StartListener(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	go infra.ListenResilient(ctx, c.rdb, c.logger, infra.RedisChanRouting,
		func() error { return c.resync(ctx) },
		func(id string) {
			if err := c.reload(ctx, id); err != nil {
				c.logger.Warn("rollout reload failed", zap.String("rollout_id", id), zap.Error(err))
			}
		})
}

func (c *Controller) resync(ctx context.Context) error {
	list, err := c.store.ListRollouts(ctx)
	if err != nil {
		return err
	}
	for _, r := range list {
		if r.IsActive() || c.entryFor(r.ID) != nil {
			if err := c.reload(ctx, r.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) reload(ctx context.Context, id string) error {
	fresh, err := c.store.GetRollout(ctx, id)
	if err != nil {
		return err
	}
	e := c.entryFor(id)
	if e == nil {
		if fresh.IsActive() {
			c.adopt(fresh)
		}
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if fresh.Version > e.r.Version {
		c.install(e, fresh)
	}
	return nil
}
