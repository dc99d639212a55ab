package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/riskgate/internal/aggregator"
	"github.com/xela07ax/riskgate/internal/audit"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/repository/memory"
	"github.com/xela07ax/riskgate/internal/review"
	"github.com/xela07ax/riskgate/internal/rollout"
	"github.com/xela07ax/riskgate/internal/rules"
	"github.com/xela07ax/riskgate/internal/scoring"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// scriptedClient ответ модели по ID скорера
type scriptedClient struct {
	mu     sync.Mutex
	scores map[string]float64
	delay  map[string]time.Duration
	errs   map[string]error
}

func newScripted() *scriptedClient {
	return &scriptedClient{scores: map[string]float64{}, delay: map[string]time.Duration{}, errs: map[string]error{}}
}

func (c *scriptedClient) Score(ctx context.Context, s *domain.Scorer, _ *domain.Transaction) (float64, error) {
	c.mu.Lock()
	v, d, err := c.scores[s.ID], c.delay[s.ID], c.errs[s.ID]
	c.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return v, err
}

type fixture struct {
	engine  *Engine
	store   *memory.Store
	rules   *rules.Set
	router  *rollout.Router
	client  *scriptedClient
	agg     *aggregator.Aggregator
	journal *audit.Journal
	metrics *Metrics
}

func defaultConfig() Config {
	return Config{
		Deadline:         100 * time.Millisecond,
		CommitTimeout:    50 * time.Millisecond,
		ScorerWeight:     0.5,
		ApproveThreshold: 30,
		ReviewThreshold:  50,
		LevelMedium:      40,
		LevelHigh:        70,
		ModelFamily:      "fraud",
		RuleFamily:       domain.DefaultRuleFamily,
	}
}

func newFixture(t *testing.T, cfg Config, journalStore audit.OutcomeStore, scorers ...domain.Scorer) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.NewStore()
	for _, s := range scorers {
		store.PutScorer(s)
	}
	client := newScripted()
	reg := scoring.NewRegistry(store, client, nil, nil, logger)
	require.NoError(t, reg.Load(context.Background()))

	if journalStore == nil {
		journalStore = store
	}
	journal := audit.NewJournal(journalStore, nil, audit.Config{FlushInterval: 5 * time.Millisecond, RetryAttempts: 2, RetryDelay: time.Millisecond}, nil, zap.NewNop())
	journal.Start()
	t.Cleanup(journal.Stop)

	set := rules.NewSet(store, logger)
	router := rollout.NewRouter()
	agg := aggregator.New(100, nil)
	m := NewMetrics(prometheus.NewRegistry())

	e := NewEngine(cfg, Deps{
		Rules:    set,
		Routing:  router,
		Scorers:  reg,
		Recorder: agg,
		Journal:  journal,
		Handoff:  review.NewService(store, nil, logger),
		Velocity: rules.NewVelocityTracker(time.Hour),
	}, m, logger)
	t.Cleanup(e.Wait)
	return &fixture{engine: e, store: store, rules: set, router: router, client: client, agg: agg, journal: journal, metrics: m}
}

func prod(id string) domain.Scorer {
	return domain.Scorer{ID: id, Family: "fraud", Version: "1", Status: domain.DeployProduction}
}

func tx(user string, amount int64) *domain.Transaction {
	return &domain.Transaction{
		UserID: user, Amount: decimal.NewFromInt(amount),
		IPAddress: "10.0.0.1", DeviceFingerprint: "dev-1",
	}
}

func bigAmountRule() domain.Rule {
	return domain.Rule{
		ID: "big-amount", Name: "amount > 1,000,000", Family: domain.DefaultRuleFamily, Priority: 1, Active: true,
		Condition: domain.Condition{Kind: domain.ConditionThreshold, Field: domain.FieldAmount, Op: domain.OpGT, Value: decimal.NewFromInt(1_000_000)},
		Score:     40,
	}
}

func TestDecide_BlockedAndQueuedForReview(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil, prod("m1"))
	require.NoError(t, f.rules.Publish([]domain.Rule{bigAmountRule()}))
	f.client.scores["m1"] = 20

	o, err := f.engine.Decide(context.Background(), tx("u-1", 2_000_000))
	require.NoError(t, err)

	assert.InDelta(t, 50.0, o.RiskScore, 1e-9)
	assert.Equal(t, domain.StatusBlocked, o.Status)
	assert.True(t, o.ReviewQueued)
	assert.Equal(t, domain.StatusManualReview, o.ExternalStatus())
	assert.Equal(t, domain.RiskMedium, o.RiskLevel)
	require.Len(t, o.Factors, 2)
	assert.Equal(t, "big-amount", o.Factors[0].Source)
	assert.Equal(t, domain.FactorScorer, o.Factors[1].Type)
	assert.InDelta(t, 10.0, o.Factors[1].Contribution, 1e-9)

	item, err := f.store.GetReview(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewPending, item.Status)

	stored, err := f.store.GetOutcome(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, stored.ReviewQueued)
}

func TestDecide_ApprovedWithoutRules(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil, prod("m1"))
	f.client.scores["m1"] = 10

	o, err := f.engine.Decide(context.Background(), tx("u-2", 100))
	require.NoError(t, err)

	assert.InDelta(t, 5.0, o.RiskScore, 1e-9)
	assert.Equal(t, domain.StatusApproved, o.Status)
	assert.Equal(t, domain.RiskLow, o.RiskLevel)
	assert.False(t, o.DegradedScoring)
	require.NotNil(t, o.ScorerScore)
	assert.Equal(t, 10.0, *o.ScorerScore)
	assert.Equal(t, domain.VariantStable, o.Variant.Name)
	assert.Equal(t, "m1", o.Variant.ScorerID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("approved", domain.VariantStable)))
}

func TestDecide_ScorerDeadlineDegradesToRules(t *testing.T) {
	cfg := defaultConfig()
	cfg.Deadline = 60 * time.Millisecond
	f := newFixture(t, cfg, nil, prod("m1"))
	require.NoError(t, f.rules.Publish([]domain.Rule{bigAmountRule()}))
	f.client.scores["m1"] = 99
	f.client.delay["m1"] = time.Second

	start := time.Now()
	o, err := f.engine.Decide(context.Background(), tx("u-3", 2_000_000))
	require.NoError(t, err)

	assert.True(t, o.DegradedScoring)
	assert.Equal(t, degradedTimeout, o.DegradedReason)
	assert.Nil(t, o.ScorerScore)
	assert.InDelta(t, 40.0, o.RiskScore, 1e-9, "rules only")
	assert.Equal(t, domain.StatusAdditionalAuthRequired, o.Status)
	assert.LessOrEqual(t, o.EvaluationTimeMs, int64(100))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Degraded.WithLabelValues(degradedTimeout)))

	require.Eventually(t, func() bool {
		_, err := f.store.GetChallenge(context.Background(), o.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond, "additional auth is handed off")
}

func TestDecide_ScorerTimeoutWithinDefaultDeadline(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil, prod("m1"))
	require.NoError(t, f.rules.Publish([]domain.Rule{bigAmountRule()}))
	f.client.delay["m1"] = time.Second

	for i := 0; i < 20; i++ {
		o, err := f.engine.Decide(context.Background(), tx("u-3", 2_000_000))
		require.NoError(t, err)
		assert.Equal(t, degradedTimeout, o.DegradedReason)
		assert.LessOrEqual(t, o.EvaluationTimeMs, int64(100), "run %d", i)
	}
}

func TestDecide_SlowStoreDoesNotStretchDeadline(t *testing.T) {
	slow := &slowStore{Store: memory.NewStore(), delay: 200 * time.Millisecond}
	cfg := defaultConfig()
	f := newFixture(t, cfg, slow, prod("m1"))
	f.client.delay["m1"] = time.Second

	start := time.Now()
	o, err := f.engine.Decide(context.Background(), tx("u-10", 100))
	wall := time.Since(start)
	require.NoError(t, err)

	assert.True(t, o.DegradedScoring)
	assert.True(t, o.PendingReconciliation)
	assert.Less(t, wall, cfg.Deadline+25*time.Millisecond)

	// фоновая запись идет пачкой и доходит до хранилища
	require.Eventually(t, func() bool {
		_, err := slow.GetOutcome(context.Background(), o.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestDecide_FailedReviewEnqueueRetriedInBackground(t *testing.T) {
	cfg := defaultConfig()
	cfg.HandoffRetryDelay = time.Millisecond
	f := newFixture(t, cfg, nil, prod("m1"))
	require.NoError(t, f.rules.Publish([]domain.Rule{bigAmountRule()}))
	f.client.scores["m1"] = 20
	flaky := &flakyHandoff{Handoff: f.engine.deps.Handoff, failures: 2}
	f.engine.deps.Handoff = flaky

	o, err := f.engine.Decide(context.Background(), tx("u-11", 2_000_000))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, o.Status)
	assert.False(t, o.ReviewQueued)

	require.Eventually(t, func() bool {
		_, err := f.store.GetReview(context.Background(), o.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	f.engine.Wait()
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Zero(t, testutil.ToFloat64(f.metrics.HandoffFailures.WithLabelValues("review")))
}

func TestDecide_ReviewEnqueueRetriesExhausted(t *testing.T) {
	cfg := defaultConfig()
	cfg.HandoffAttempts = 3
	cfg.HandoffRetryDelay = time.Millisecond
	f := newFixture(t, cfg, nil, prod("m1"))
	require.NoError(t, f.rules.Publish([]domain.Rule{bigAmountRule()}))
	f.client.scores["m1"] = 20
	flaky := &flakyHandoff{Handoff: f.engine.deps.Handoff, failures: 100}
	f.engine.deps.Handoff = flaky

	o, err := f.engine.Decide(context.Background(), tx("u-12", 2_000_000))
	require.NoError(t, err)
	assert.False(t, o.ReviewQueued)

	f.engine.Wait()
	assert.Equal(t, int32(4), flaky.calls.Load(), "one inline attempt and three in background")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HandoffFailures.WithLabelValues("review")))
	_, err = f.store.GetReview(context.Background(), o.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDecide_ScoreAlwaysBounded(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil, prod("m1"))
	huge := bigAmountRule()
	huge.Score = 500
	negative := bigAmountRule()
	negative.ID, negative.Family, negative.Score = "neg", "lenient", -500
	require.NoError(t, f.rules.Publish([]domain.Rule{huge, negative}))
	f.client.scores["m1"] = 100

	o, err := f.engine.Decide(context.Background(), tx("u-4", 2_000_000))
	require.NoError(t, err)
	assert.Equal(t, 100.0, o.RiskScore)
	assert.Equal(t, domain.RiskHigh, o.RiskLevel)

	// вариант с другим семейством правил уходит в минус и зажимается в 0
	f.router.Set("fraud", rollout.Route{
		RolloutID: "ab-1", Kind: domain.KindAB,
		Stable:    domain.Variant{Name: domain.VariantA, RuleFamily: "lenient"},
		Candidate: domain.Variant{Name: domain.VariantB, RuleFamily: "lenient"},
		Weight:    50,
	}, true)
	o, err = f.engine.Decide(context.Background(), tx("u-4", 2_000_000))
	require.NoError(t, err)
	assert.Equal(t, 0.0, o.RiskScore)
}

func TestDecide_IntegrityViolationDegrades(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil, prod("m1"), prod("m2"))
	f.client.scores["m1"] = 10

	o, err := f.engine.Decide(context.Background(), tx("u-5", 100))
	require.NoError(t, err, "integrity errors never block a decision")
	assert.True(t, o.DegradedScoring)
	assert.Equal(t, degradedIntegrity, o.DegradedReason)
}

func TestDecide_NoScorerAndScorerError(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	o, err := f.engine.Decide(context.Background(), tx("u-6", 100))
	require.NoError(t, err)
	assert.Equal(t, degradedNoScorer, o.DegradedReason)

	f = newFixture(t, defaultConfig(), nil, prod("m1"))
	f.client.errs["m1"] = errors.New("model crashed")
	o, err = f.engine.Decide(context.Background(), tx("u-6", 100))
	require.NoError(t, err)
	assert.Equal(t, degradedScorerError, o.DegradedReason)
	assert.Equal(t, domain.StatusApproved, o.Status)
}

func TestDecide_KillSwitchForcesRules(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil, prod("m1"))
	f.client.scores["m1"] = 90
	ks := NewKillSwitch(nil, zap.NewNop())
	f.engine.deps.KillSwitch = ks
	require.NoError(t, ks.Set(context.Background(), "fraud", true))

	o, err := f.engine.Decide(context.Background(), tx("u-7", 100))
	require.NoError(t, err)
	assert.Equal(t, degradedKillSwitch, o.DegradedReason)
	assert.Equal(t, 0.0, o.RiskScore)

	require.NoError(t, ks.Set(context.Background(), "fraud", false))
	o, err = f.engine.Decide(context.Background(), tx("u-7", 100))
	require.NoError(t, err)
	assert.False(t, o.DegradedScoring)
}

func TestDecide_CanaryRoutingIsDeterministicAndRecorded(t *testing.T) {
	canary := domain.Scorer{ID: "m2", Family: "fraud", Version: "2", Status: domain.DeployCanary}
	f := newFixture(t, defaultConfig(), nil, prod("m1"), canary)
	f.client.scores["m1"] = 10
	f.client.scores["m2"] = 20

	route := rollout.Route{
		RolloutID: "ro-1", Kind: domain.KindCanary,
		Stable:    domain.Variant{Name: domain.VariantStable, ScorerID: "m1"},
		Candidate: domain.Variant{Name: domain.VariantCanary, ScorerID: "m2"},
		Weight:    30,
	}
	f.router.Set("fraud", route, true)

	seen := map[string]string{}
	for i := 0; i < 200; i++ {
		user := string(rune('a' + i%50))
		o, err := f.engine.Decide(context.Background(), tx(user, 100))
		require.NoError(t, err)
		if prev, ok := seen[user]; ok {
			assert.Equal(t, prev, o.Variant.Name, "same key, same variant")
		}
		seen[user] = o.Variant.Name
		assert.Equal(t, "ro-1", o.Variant.RolloutID)
		assert.Equal(t, route.Pick(user).ScorerID, o.Variant.ScorerID)
	}

	stable := f.agg.Window("ro-1", domain.VariantStable, 0)
	cand := f.agg.Window("ro-1", domain.VariantCanary, 0)
	assert.Equal(t, 200, stable.Count+cand.Count)
	assert.Zero(t, stable.Errors+cand.Errors)
}

func TestDecide_PersistenceLagStillReturnsDecision(t *testing.T) {
	down := &brokenStore{}
	f := newFixture(t, defaultConfig(), down, prod("m1"))
	f.client.scores["m1"] = 10

	o, err := f.engine.Decide(context.Background(), tx("u-8", 100))
	require.NoError(t, err)
	assert.True(t, o.PendingReconciliation)
	assert.Equal(t, domain.StatusApproved, o.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PersistenceLag))

	require.Eventually(t, func() bool { return len(f.journal.Pending()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDecide_RejectsInvalidTransaction(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil, prod("m1"))
	_, err := f.engine.Decide(context.Background(), &domain.Transaction{UserID: "u", Amount: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
}

func TestDecide_VelocityRuleSeesPriorTransactions(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	require.NoError(t, f.rules.Publish([]domain.Rule{{
		ID: "burst", Name: "burst", Family: domain.DefaultRuleFamily, Priority: 1, Active: true,
		Condition: domain.Condition{Kind: domain.ConditionVelocity, WindowSec: 60, Limit: 2},
		Score:     35,
	}}))

	var last *domain.DecisionOutcome
	for i := 0; i < 3; i++ {
		o, err := f.engine.Decide(context.Background(), tx("u-9", 100))
		require.NoError(t, err)
		last = o
	}
	assert.InDelta(t, 35.0, last.RiskScore, 1e-9)
}

type brokenStore struct{}

func (brokenStore) SaveOutcome(context.Context, *domain.DecisionOutcome) error {
	return errors.New("database is down")
}

func (brokenStore) SaveOutcomes(context.Context, []*domain.DecisionOutcome) error {
	return errors.New("database is down")
}

// slowStore одиночная запись дольше бюджета запроса, пачки проходят сразу
type slowStore struct {
	*memory.Store
	delay time.Duration
}

func (s *slowStore) SaveOutcome(ctx context.Context, o *domain.DecisionOutcome) error {
	select {
	case <-time.After(s.delay):
		return s.Store.SaveOutcome(ctx, o)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flakyHandoff первые failures вызовов Enqueue падают
type flakyHandoff struct {
	Handoff
	failures int32
	calls    atomic.Int32
}

func (h *flakyHandoff) Enqueue(ctx context.Context, o *domain.DecisionOutcome, reason string) error {
	if h.calls.Add(1) <= h.failures {
		return errors.New("review queue unavailable")
	}
	return h.Handoff.Enqueue(ctx, o, reason)
}
