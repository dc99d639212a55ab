package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/riskgate/internal/aggregator"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/rollout"
	"github.com/xela07ax/riskgate/internal/rules"
	"github.com/xela07ax/riskgate/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Причины деградации до правил
const (
	degradedTimeout     = "timeout"
	degradedScorerError = "scorer_error"
	degradedNoScorer    = "no_scorer"
	degradedIntegrity   = "integrity"
	degradedKillSwitch  = "kill_switch"
)

type RuleSource interface {
	Snapshot() *rules.Snapshot
}

type RoutingSource interface {
	Table() *rollout.Table
}

type Scorers interface {
	Get(id string) (*domain.Scorer, bool)
	Resolve(family string) (scoring.Resolution, error)
	Invoke(ctx context.Context, s *domain.Scorer, tx *domain.Transaction) (scoring.Score, error)
}

// Recorder получатель сэмплов для окон раскаток. Не должен блокировать.
type Recorder interface {
	Record(rolloutID, variant string, s aggregator.Sample)
}

type Journal interface {
	Commit(ctx context.Context, o *domain.DecisionOutcome) error
}

// Handoff внешние процессы: очередь ревью и step-up аутентификация.
type Handoff interface {
	Enqueue(ctx context.Context, o *domain.DecisionOutcome, reason string) error
	OpenChallenge(ctx context.Context, o *domain.DecisionOutcome) error
}

type Config struct {
	Deadline         time.Duration
	CommitTimeout    time.Duration
	ScorerWeight     float64
	ApproveThreshold float64
	ReviewThreshold  float64
	LevelMedium      float64
	LevelHigh        float64
	ModelFamily      string
	RuleFamily       string

	// Повтор хэнд-оффа в фоне, если он не уложился в бюджет запроса
	HandoffAttempts   uint
	HandoffRetryDelay time.Duration
}

// Deps зависимости движка. Velocity, Geo, KillSwitch и Handoff необязательны.
type Deps struct {
	Rules      RuleSource
	Routing    RoutingSource
	Scorers    Scorers
	Recorder   Recorder
	Journal    Journal
	Handoff    Handoff
	Velocity   *rules.VelocityTracker
	Geo        rules.GeoResolver
	KillSwitch *KillSwitch
}

type Engine struct {
	wg      sync.WaitGroup
	cfg     Config
	deps    Deps
	metrics *Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

func NewEngine(cfg Config, deps Deps, metrics *Metrics, logger *zap.Logger) *Engine {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 100 * time.Millisecond
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 50 * time.Millisecond
	}
	if cfg.HandoffAttempts == 0 {
		cfg.HandoffAttempts = 5
	}
	if cfg.HandoffRetryDelay <= 0 {
		cfg.HandoffRetryDelay = 50 * time.Millisecond
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		metrics: metrics,
		tracer:  otel.Tracer("riskgate/engine"),
		logger:  logger.Named("engine"),
		now:     time.Now,
	}
}

// scored результат обращения к модели
type scored struct {
	scorer   *domain.Scorer
	score    scoring.Score
	err      error
	degraded string
}

// Decide оценивает транзакцию в пределах жесткого дедлайна. Ошибки модели и реестра
// деградируют решение до правил; ошибка записи аудита не отнимает решение у клиента.
func (e *Engine) Decide(ctx context.Context, tx *domain.Transaction) (*domain.DecisionOutcome, error) {
	start := e.now()
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = start.UTC()
	}

	ctx, span := e.tracer.Start(ctx, "Decide", trace.WithAttributes(
		attribute.String("transaction.id", tx.ID),
		attribute.String("model.family", e.cfg.ModelFamily),
	))
	defer span.End()

	// Модели достается бюджет минус резерв на блендинг и запись; отсчет от start
	deadline := start.Add(e.cfg.Deadline)
	dctx, cancel := context.WithDeadline(ctx, deadline.Add(-blendReserve(e.cfg.Deadline)))
	defer cancel()

	// 1. Снапшоты: все дальнейшее считается по ним, даже если конфиг поменяется на лету
	ruleSnap := e.deps.Rules.Snapshot()
	route, routed := e.deps.Routing.Table().Route(e.cfg.ModelFamily)

	// 2. Вариант: детерминированный бакет по ключу транзакции
	variant := domain.Variant{Name: domain.VariantStable, RuleFamily: e.cfg.RuleFamily}
	if routed {
		variant = route.Pick(tx.BucketKey())
		if variant.RuleFamily == "" {
			variant.RuleFamily = e.cfg.RuleFamily
		}
	}

	// 3. Правила: чистое вычисление, дедлайн к нему не применяется
	in := rules.Input{Tx: tx}
	if e.deps.Velocity != nil {
		in.Velocity = e.deps.Velocity
	}
	if e.deps.Geo != nil {
		in.IPCountry = e.deps.Geo.Country(tx.IPAddress)
	}
	factors := ruleSnap.Evaluate(variant.RuleFamily, in)
	if e.deps.Velocity != nil {
		e.deps.Velocity.Observe(tx.UserID, tx.SubmittedAt)
	}

	// 4. Модель под остатком бюджета
	sc := e.score(dctx, variant, tx)
	if sc.scorer != nil {
		variant.ScorerID = sc.scorer.ID
	}

	// 5. Блендинг и пороги
	sum := 0.0
	for _, f := range factors {
		sum += f.Contribution
	}
	o := &domain.DecisionOutcome{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Variant: domain.VariantRef{
			RolloutID:  route.RolloutID,
			Name:       variant.Name,
			ScorerID:   variant.ScorerID,
			RuleFamily: variant.RuleFamily,
		},
		CreatedAt: start.UTC(),
	}
	if sc.degraded == "" {
		v := sc.score.Value
		o.ScorerScore = &v
		contribution := e.cfg.ScorerWeight * v
		sum += contribution
		factors = append(factors, domain.RiskFactor{
			Type:         domain.FactorScorer,
			Source:       sc.scorer.ID,
			Contribution: contribution,
			Description:  fmt.Sprintf("model %s v%s", sc.scorer.Family, sc.scorer.Version),
			Metadata: map[string]any{
				"raw_score":  v,
				"weight":     e.cfg.ScorerWeight,
				"latency_ms": sc.score.Latency.Milliseconds(),
			},
		})
	} else {
		o.DegradedScoring = true
		o.DegradedReason = sc.degraded
		e.metrics.Degraded.WithLabelValues(sc.degraded).Inc()
	}
	if factors == nil {
		factors = []domain.RiskFactor{}
	}
	o.Factors = factors
	o.RiskScore = clamp(sum)
	o.RiskLevel = e.level(o.RiskScore)
	o.Status = e.status(o.RiskScore)

	elapsed := e.now().Sub(start)
	o.EvaluationTimeMs = elapsed.Milliseconds()

	// 6. Сэмпл для окна раскатки: успех = без внутренней ошибки
	if routed && e.deps.Recorder != nil {
		e.deps.Recorder.Record(route.RolloutID, variant.Name, aggregator.Sample{
			At:      e.now(),
			Latency: elapsed,
			Failed:  sc.err != nil,
		})
	}

	// 7. Хэнд-офф и запись в остатке бюджета, не дольше CommitTimeout.
	// Отмена клиентом запись не прерывает; не уложились - доводим в фоне
	budget := min(e.cfg.CommitTimeout, deadline.Sub(e.now()))
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), max(budget, 0))
	defer pcancel()
	e.handoff(pctx, o)

	if err := e.deps.Journal.Commit(pctx, o); err != nil {
		if !errors.Is(err, domain.ErrPersistenceLag) {
			return nil, err
		}
		e.metrics.PersistenceLag.Inc()
	}

	e.metrics.Decisions.WithLabelValues(string(o.ExternalStatus()), variant.Name).Inc()
	e.metrics.DecisionDuration.WithLabelValues(string(o.Status)).Observe(elapsed.Seconds())

	span.SetAttributes(
		attribute.String("variant", variant.Name),
		attribute.String("scorer.id", variant.ScorerID),
		attribute.Float64("risk.score", o.RiskScore),
		attribute.String("status", string(o.ExternalStatus())),
		attribute.Bool("degraded", o.DegradedScoring),
	)
	if o.DegradedScoring {
		span.SetStatus(codes.Error, "degraded scoring: "+o.DegradedReason)
	}
	return o, nil
}

// score находит скорер варианта и вызывает его. Любая ошибка превращается в причину деградации.
func (e *Engine) score(ctx context.Context, v domain.Variant, tx *domain.Transaction) scored {
	if e.deps.KillSwitch != nil && e.deps.KillSwitch.IsDisabled(e.cfg.ModelFamily) {
		return scored{degraded: degradedKillSwitch}
	}

	var s *domain.Scorer
	if v.ScorerID != "" {
		got, ok := e.deps.Scorers.Get(v.ScorerID)
		if !ok {
			e.logger.Error("routed scorer is not registered", zap.String("scorer_id", v.ScorerID))
			return scored{degraded: degradedNoScorer, err: fmt.Errorf("scorer %s: %w", v.ScorerID, domain.ErrNotFound)}
		}
		s = got
	} else {
		// пустой ScorerID в варианте значит production модель семейства
		res, err := e.deps.Scorers.Resolve(e.cfg.ModelFamily)
		if err != nil {
			e.logger.Error("scorer registry degraded", zap.String("family", e.cfg.ModelFamily), zap.Error(err))
			return scored{degraded: degradedIntegrity, err: err}
		}
		if res.Stable == nil {
			return scored{degraded: degradedNoScorer}
		}
		s = res.Stable
	}

	sc, err := e.deps.Scorers.Invoke(ctx, s, tx)
	if err == nil {
		return scored{scorer: s, score: sc}
	}
	if errors.Is(err, domain.ErrScorerTimeout) {
		e.logger.Warn("scorer timeout, falling back to rules",
			zap.String("scorer_id", s.ID), zap.Duration("latency", sc.Latency))
		return scored{scorer: s, score: sc, err: err, degraded: degradedTimeout}
	}
	e.logger.Warn("scorer failed, falling back to rules", zap.String("scorer_id", s.ID), zap.Error(err))
	return scored{scorer: s, score: sc, err: err, degraded: degradedScorerError}
}

// handoff отдает решение внешним процессам до записи, чтобы в журнал попал флаг очереди.
// Если синхронная попытка не удалась или бюджета уже нет, хэнд-офф повторяется в фоне;
// ReviewQueued ставится только при успехе в запросе, заявку из фона видно в State.
func (e *Engine) handoff(ctx context.Context, o *domain.DecisionOutcome) {
	if e.deps.Handoff == nil {
		return
	}
	var (
		kind string
		call func(ctx context.Context, o *domain.DecisionOutcome) error
	)
	switch o.Status {
	case domain.StatusBlocked:
		reason := fmt.Sprintf("risk score %.2f >= review threshold %.2f", o.RiskScore, e.cfg.ReviewThreshold)
		kind = "review"
		call = func(ctx context.Context, o *domain.DecisionOutcome) error {
			return e.deps.Handoff.Enqueue(ctx, o, reason)
		}
	case domain.StatusAdditionalAuthRequired:
		kind = "challenge"
		call = e.deps.Handoff.OpenChallenge
	default:
		return
	}

	err := ctx.Err()
	if err == nil {
		err = call(ctx, o)
	}
	if err == nil {
		o.ReviewQueued = o.Status == domain.StatusBlocked
		return
	}
	e.logger.Warn("hand-off deferred to background",
		zap.String("kind", kind), zap.String("outcome_id", o.ID), zap.Error(err))
	cp := *o
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.retryHandoff(kind, &cp, call)
	}()
}

// retryHandoff ограниченный бэкофф; после исчерпания попыток только лог и метрика.
func (e *Engine) retryHandoff(kind string, o *domain.DecisionOutcome, call func(context.Context, *domain.DecisionOutcome) error) {
	ctx := context.Background()
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(e.cfg.HandoffAttempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return e.cfg.HandoffRetryDelay << min(n, 5)
		}),
	).Do(func() error {
		actx, cancel := context.WithTimeout(ctx, e.cfg.CommitTimeout)
		defer cancel()
		return call(actx, o)
	})
	if err != nil {
		e.metrics.HandoffFailures.WithLabelValues(kind).Inc()
		e.logger.Error("hand-off retries exhausted",
			zap.String("kind", kind), zap.String("outcome_id", o.ID), zap.Error(err))
		return
	}
	e.logger.Info("deferred hand-off delivered", zap.String("kind", kind), zap.String("outcome_id", o.ID))
}

// Wait ждет фоновые хэнд-оффы. Вызывается при остановке сервиса.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// blendReserve доля дедлайна, которую модель не получает: блендинг, хэнд-офф и запись.
func blendReserve(deadline time.Duration) time.Duration {
	return deadline / 10
}

func (e *Engine) status(score float64) domain.EvaluationStatus {
	switch {
	case score < e.cfg.ApproveThreshold:
		return domain.StatusApproved
	case score < e.cfg.ReviewThreshold:
		return domain.StatusAdditionalAuthRequired
	}
	return domain.StatusBlocked
}

func (e *Engine) level(score float64) domain.RiskLevel {
	switch {
	case score >= e.cfg.LevelHigh:
		return domain.RiskHigh
	case score >= e.cfg.LevelMedium:
		return domain.RiskMedium
	}
	return domain.RiskLow
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
