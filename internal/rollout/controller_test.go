package rollout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/riskgate/internal/aggregator"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/repository/memory"
	"github.com/xela07ax/riskgate/internal/scoring"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	ctrl     *Controller
	store    *memory.Store
	registry *scoring.Registry
	agg      *aggregator.Aggregator
	router   *Router
}

func testThresholds() domain.Thresholds {
	return domain.Thresholds{
		MaxErrorRate:    0.05,
		MaxP95LatencyMs: 80,
		MinSuccessRate:  0.95,
		IntervalSec:     30,
		MaxViolations:   3,
		MinSamples:      10,
	}
}

func newFixture(t *testing.T, scorers ...domain.Scorer) *fixture {
	t.Helper()
	if len(scorers) == 0 {
		scorers = []domain.Scorer{
			{ID: "v1", Family: "fraud", Version: "1", Status: domain.DeployProduction},
			{ID: "v2", Family: "fraud", Version: "2", Status: domain.DeployStaging},
		}
	}
	store := memory.NewStore()
	for _, s := range scorers {
		store.PutScorer(s)
	}
	logger := zaptest.NewLogger(t)
	reg := scoring.NewRegistry(store, nil, nil, nil, logger)
	require.NoError(t, reg.Load(context.Background()))

	agg := aggregator.New(1000, store)
	router := NewRouter()
	ctrl := NewController(store, reg, agg, router, nil, nil, Config{
		Step:          10,
		InitialWeight: 10,
		Thresholds:    testThresholds(),
	}, logger)
	return &fixture{ctrl: ctrl, store: store, registry: reg, agg: agg, router: router}
}

func (f *fixture) feed(rolloutID, variant string, n, failed int, latency time.Duration) {
	for i := 0; i < n; i++ {
		f.agg.Record(rolloutID, variant, aggregator.Sample{Latency: latency, Failed: i < failed})
	}
}

func (f *fixture) status(id string) domain.DeploymentStatus {
	s, _ := f.registry.Get(id)
	return s.Status
}

func (f *fixture) start(t *testing.T) *domain.Rollout {
	t.Helper()
	ro, err := f.ctrl.StartCanary(context.Background(), CanaryRequest{ModelFamily: "fraud", CandidateID: "v2"})
	require.NoError(t, err)
	return ro
}

func TestStartCanaryPublishesRoute(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)

	assert.Equal(t, domain.CanaryProgressing, ro.Status)
	assert.Equal(t, 10, ro.Weight)
	assert.Equal(t, "v1", ro.Stable.ScorerID)
	assert.Equal(t, domain.DeployCanary, f.status("v2"))

	route, ok := f.router.Table().Route("fraud")
	require.True(t, ok)
	assert.Equal(t, ro.ID, route.RolloutID)
	assert.Equal(t, 10, route.Weight)
	assert.Equal(t, 90, route.StableWeight())
}

func TestCanaryProgressesToSuccess(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)
	ctx := context.Background()

	last := ro.Weight
	for i := 0; i < 9; i++ {
		f.feed(ro.ID, domain.VariantCanary, 20, 0, 5*time.Millisecond)
		require.NoError(t, f.ctrl.Evaluate(ctx, ro.ID))

		cur, err := f.ctrl.Get(ctx, ro.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cur.Weight, last)
		assert.Equal(t, 100, cur.Weight+cur.StableWeight())
		last = cur.Weight
	}
	assert.Equal(t, 100, last)

	f.feed(ro.ID, domain.VariantCanary, 20, 0, 5*time.Millisecond)
	require.NoError(t, f.ctrl.Evaluate(ctx, ro.ID))

	done, err := f.ctrl.Get(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CanarySucceeded, done.Status)
	assert.Equal(t, domain.DeployProduction, f.status("v2"))
	assert.Equal(t, domain.DeployRetired, f.status("v1"))
	_, routed := f.router.Table().Route("fraud")
	assert.False(t, routed)

	hist, err := f.agg.History(ctx, ro.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 20) // два варианта на каждый из 10 тиков
}

func TestCanaryRollsBackAfterConsecutiveViolations(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)
	ctx := context.Background()

	_, err := f.ctrl.AdjustWeight(ctx, ro.ID, 30, 0)
	require.NoError(t, err)

	// 8% ошибок при пороге 5%
	f.feed(ro.ID, domain.VariantCanary, 100, 8, 5*time.Millisecond)

	for i := 1; i <= 2; i++ {
		require.NoError(t, f.ctrl.Evaluate(ctx, ro.ID))
		cur, _ := f.ctrl.Get(ctx, ro.ID)
		assert.Equal(t, domain.CanaryProgressing, cur.Status)
		assert.Equal(t, 30, cur.Weight)
		assert.Equal(t, i, cur.Violations)
	}

	require.NoError(t, f.ctrl.Evaluate(ctx, ro.ID))
	cur, err := f.ctrl.Get(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CanaryRollback, cur.Status)
	assert.Equal(t, 0, cur.Weight)
	assert.Contains(t, cur.Reason, "error_rate")
	assert.Equal(t, domain.DeployStaging, f.status("v2"))
	assert.Equal(t, domain.DeployProduction, f.status("v1"))

	_, routed := f.router.Table().Route("fraud")
	assert.False(t, routed)
}

func TestHealthyIntervalResetsViolations(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)
	ctx := context.Background()

	f.feed(ro.ID, domain.VariantCanary, 10, 5, time.Millisecond)
	require.NoError(t, f.ctrl.Evaluate(ctx, ro.ID))

	// здоровые сэмплы размывают ошибки ниже порога
	f.feed(ro.ID, domain.VariantCanary, 200, 0, time.Millisecond)
	require.NoError(t, f.ctrl.Evaluate(ctx, ro.ID))

	cur, _ := f.ctrl.Get(ctx, ro.ID)
	assert.Equal(t, 0, cur.Violations)
	assert.Equal(t, 20, cur.Weight)
}

func TestEvaluateSkipsWithoutEnoughSamples(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)
	f.feed(ro.ID, domain.VariantCanary, 3, 3, time.Millisecond)

	require.NoError(t, f.ctrl.Evaluate(context.Background(), ro.ID))
	cur, _ := f.ctrl.Get(context.Background(), ro.ID)
	assert.Equal(t, ro.Version, cur.Version)
	assert.Equal(t, 0, cur.Violations)
}

func TestOperatorCompleteAtFullWeight(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)
	ctx := context.Background()

	_, err := f.ctrl.AdjustWeight(ctx, ro.ID, 100, 0)
	require.NoError(t, err)
	f.feed(ro.ID, domain.VariantCanary, 50, 0, 10*time.Millisecond)

	done, err := f.ctrl.Complete(ctx, ro.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.CanarySucceeded, done.Status)
	assert.Equal(t, domain.DeployProduction, f.status("v2"))
	assert.Equal(t, domain.DeployRetired, f.status("v1"))
	require.NoError(t, f.registry.CheckIntegrity("fraud"))
}

func TestAbortLosingToCompleteIsStale(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)
	ctx := context.Background()

	e := f.ctrl.entryFor(ro.ID)
	require.NotNil(t, e)
	seen := e.version.Load()

	// оператор завершил раскатку, пока abort ждал блокировку
	f.feed(ro.ID, domain.VariantCanary, 50, 0, 10*time.Millisecond)
	_, err := f.ctrl.Complete(ctx, ro.ID, 0)
	require.NoError(t, err)

	_, err = f.ctrl.abort(ctx, e, seen, "late")
	require.ErrorIs(t, err, domain.ErrStaleRolloutState)

	cur, err := f.ctrl.Get(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CanarySucceeded, cur.Status)
	assert.Equal(t, domain.DeployProduction, f.status("v2"))

	// без гонки повторный abort по-прежнему TransitionError
	_, err = f.ctrl.abort(ctx, e, e.version.Load(), "again")
	assert.ErrorIs(t, err, domain.ErrInvalidRolloutTransition)
}

func TestCompleteRequiresThresholds(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)
	ctx := context.Background()

	_, err := f.ctrl.Complete(ctx, ro.ID, 0)
	assert.ErrorIs(t, err, domain.ErrThresholdsNotMet)

	f.feed(ro.ID, domain.VariantCanary, 20, 0, 200*time.Millisecond)
	_, err = f.ctrl.Complete(ctx, ro.ID, 0)
	assert.ErrorIs(t, err, domain.ErrThresholdsNotMet)

	cur, _ := f.ctrl.Get(ctx, ro.ID)
	assert.Equal(t, domain.CanaryProgressing, cur.Status)
}

func TestStaleOperatorActionRejected(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)
	ctx := context.Background()

	_, err := f.ctrl.AdjustWeight(ctx, ro.ID, 40, ro.Version)
	require.NoError(t, err)

	_, err = f.ctrl.AdjustWeight(ctx, ro.ID, 50, ro.Version)
	assert.ErrorIs(t, err, domain.ErrStaleRolloutState)

	cur, _ := f.ctrl.Get(ctx, ro.ID)
	assert.Equal(t, 40, cur.Weight)
}

// hookWindows выполняет действие посреди анализа, пока контроллер снимает метрики.
type hookWindows struct {
	*aggregator.Aggregator
	onCapture func()
}

func (h *hookWindows) Capture(ctx context.Context, id string, variants []string, d time.Duration) ([]domain.VariantSnapshot, error) {
	snaps, err := h.Aggregator.Capture(ctx, id, variants, d)
	if h.onCapture != nil {
		fn := h.onCapture
		h.onCapture = nil
		fn()
	}
	return snaps, err
}

func TestAbortWinsOverInFlightAnalysis(t *testing.T) {
	f := newFixture(t)
	hw := &hookWindows{Aggregator: f.agg}
	f.ctrl.windows = hw
	ro := f.start(t)
	ctx := context.Background()

	f.feed(ro.ID, domain.VariantCanary, 50, 0, time.Millisecond)
	hw.onCapture = func() {
		_, err := f.ctrl.Abort(ctx, ro.ID, "manual stop")
		require.NoError(t, err)
	}

	err := f.ctrl.Evaluate(ctx, ro.ID)
	assert.ErrorIs(t, err, domain.ErrStaleRolloutState)

	cur, err := f.ctrl.Get(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CanaryRollback, cur.Status)
	assert.Equal(t, 0, cur.Weight)
	assert.Contains(t, cur.Reason, "manual stop")
	assert.Equal(t, domain.DeployStaging, f.status("v2"))
}

func TestInvalidTransitionCarriesCurrentState(t *testing.T) {
	f := newFixture(t)
	ro := f.start(t)
	ctx := context.Background()

	_, err := f.ctrl.Abort(ctx, ro.ID, "stop")
	require.NoError(t, err)

	_, err = f.ctrl.AdjustWeight(ctx, ro.ID, 50, 0)
	require.ErrorIs(t, err, domain.ErrInvalidRolloutTransition)
	var te *domain.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, domain.CanaryRollback, te.Current)

	_, err = f.ctrl.StartExperiment(ctx, ro.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRolloutTransition)
}

func TestSingleActiveRolloutPerFamily(t *testing.T) {
	f := newFixture(t,
		domain.Scorer{ID: "v1", Family: "fraud", Version: "1", Status: domain.DeployProduction},
		domain.Scorer{ID: "v2", Family: "fraud", Version: "2", Status: domain.DeployStaging},
		domain.Scorer{ID: "v3", Family: "fraud", Version: "3", Status: domain.DeployStaging},
	)
	f.start(t)
	ctx := context.Background()

	_, err := f.ctrl.StartCanary(ctx, CanaryRequest{ModelFamily: "fraud", CandidateID: "v3"})
	assert.ErrorIs(t, err, domain.ErrRolloutActive)
	_, err = f.ctrl.CreateExperiment(ctx, ExperimentRequest{ModelFamily: "fraud", SplitPct: 50})
	assert.ErrorIs(t, err, domain.ErrRolloutActive)
	assert.Equal(t, domain.DeployStaging, f.status("v3"))
}

func TestIntegrityViolationBlocksRollout(t *testing.T) {
	f := newFixture(t,
		domain.Scorer{ID: "v1", Family: "fraud", Version: "1", Status: domain.DeployProduction},
		domain.Scorer{ID: "v9", Family: "fraud", Version: "9", Status: domain.DeployProduction},
		domain.Scorer{ID: "v2", Family: "fraud", Version: "2", Status: domain.DeployStaging},
	)
	_, err := f.ctrl.StartCanary(context.Background(), CanaryRequest{ModelFamily: "fraud", CandidateID: "v2"})
	assert.ErrorIs(t, err, domain.ErrConfigurationIntegrity)
	assert.Equal(t, domain.DeployStaging, f.status("v2"))
}

func TestExperimentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ro, err := f.ctrl.CreateExperiment(ctx, ExperimentRequest{
		ModelFamily: "fraud",
		A:           domain.Variant{ScorerID: "v1"},
		B:           domain.Variant{ScorerID: "v2", RuleFamily: "strict"},
		SplitPct:    25,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ABDraft, ro.Status)
	_, routed := f.router.Table().Route("fraud")
	assert.False(t, routed)

	_, err = f.ctrl.ResumeExperiment(ctx, ro.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRolloutTransition)

	_, err = f.ctrl.StartExperiment(ctx, ro.ID, 0)
	require.NoError(t, err)
	route, _ := f.router.Table().Route("fraud")
	assert.Equal(t, 25, route.Weight)
	assert.Equal(t, "strict", route.Candidate.RuleFamily)
	assert.Equal(t, domain.VariantB, route.Candidate.Name)

	_, err = f.ctrl.PauseExperiment(ctx, ro.ID, 0)
	require.NoError(t, err)
	route, _ = f.router.Table().Route("fraud")
	assert.Equal(t, 0, route.Weight)

	_, err = f.ctrl.ResumeExperiment(ctx, ro.ID, 0)
	require.NoError(t, err)

	f.feed(ro.ID, domain.VariantA, 30, 3, time.Millisecond)
	f.feed(ro.ID, domain.VariantB, 10, 0, time.Millisecond)

	done, err := f.ctrl.CompleteExperiment(ctx, ro.ID, domain.VariantB, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ABCompleted, done.Status)
	assert.Equal(t, domain.VariantB, done.Winner)
	require.NotNil(t, done.Comparison)
	assert.Equal(t, 30, done.Comparison.Stable.Count)
	assert.Equal(t, 10, done.Comparison.Candidate.Count)

	_, routed = f.router.Table().Route("fraud")
	assert.False(t, routed)
	// A/B не трогает статусы скореров
	assert.Equal(t, domain.DeployProduction, f.status("v1"))
	assert.Equal(t, domain.DeployStaging, f.status("v2"))

	// семейство освобождено
	_, err = f.ctrl.StartCanary(ctx, CanaryRequest{ModelFamily: "fraud", CandidateID: "v2"})
	assert.NoError(t, err)
}

func TestCancelExperimentFromDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ro, err := f.ctrl.CreateExperiment(ctx, ExperimentRequest{ModelFamily: "fraud", SplitPct: 50})
	require.NoError(t, err)

	out, err := f.ctrl.CancelExperiment(ctx, ro.ID, "wrong config", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ABCancelled, out.Status)
	assert.NotNil(t, out.CompletedAt)

	_, err = f.ctrl.CompleteExperiment(ctx, ro.ID, "", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRolloutTransition)
}

func TestRecoverRestoresRoutesAndClosesInterrupted(t *testing.T) {
	f := newFixture(t,
		domain.Scorer{ID: "v1", Family: "fraud", Version: "1", Status: domain.DeployProduction},
		domain.Scorer{ID: "v2", Family: "fraud", Version: "2", Status: domain.DeployCanary},
		domain.Scorer{ID: "p1", Family: "chargeback", Version: "1", Status: domain.DeployProduction},
		domain.Scorer{ID: "p2", Family: "chargeback", Version: "2", Status: domain.DeployCanary},
	)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.store.CreateRollout(ctx, &domain.Rollout{
		ID: "live", Kind: domain.KindCanary, ModelFamily: "fraud", Status: domain.CanaryProgressing,
		Stable:    domain.Variant{Name: domain.VariantStable, ScorerID: "v1", RuleFamily: "default"},
		Candidate: domain.Variant{Name: domain.VariantCanary, ScorerID: "v2", RuleFamily: "default"},
		Weight:    40, Step: 10, Thresholds: testThresholds(), Version: 7, CreatedAt: now,
	}))
	require.NoError(t, f.store.CreateRollout(ctx, &domain.Rollout{
		ID: "stuck", Kind: domain.KindCanary, ModelFamily: "chargeback", Status: domain.CanaryInitializing,
		Stable:    domain.Variant{Name: domain.VariantStable, ScorerID: "p1"},
		Candidate: domain.Variant{Name: domain.VariantCanary, ScorerID: "p2"},
		Thresholds: testThresholds(), Version: 1, CreatedAt: now.Add(time.Second),
	}))

	require.NoError(t, f.ctrl.Recover(ctx))

	route, ok := f.router.Table().Route("fraud")
	require.True(t, ok)
	assert.Equal(t, 40, route.Weight)

	stuck, err := f.ctrl.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.CanaryFailed, stuck.Status)
	assert.Equal(t, domain.DeployStaging, f.status("p2"))
	_, ok = f.router.Table().Route("chargeback")
	assert.False(t, ok)
}

func TestRoutingIsDeterministic(t *testing.T) {
	route := Route{
		RolloutID: "r1",
		Stable:    domain.Variant{Name: domain.VariantStable},
		Candidate: domain.Variant{Name: domain.VariantCanary},
		Weight:    30,
	}
	hits := 0
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("user-%d", i)
		first := route.Pick(key)
		assert.Equal(t, first, route.Pick(key))
		if first.Name == domain.VariantCanary {
			hits++
		}
	}
	assert.InDelta(t, 3000, hits, 400)

	route.Weight = 0
	assert.Equal(t, domain.VariantStable, route.Pick("user-1").Name)
	route.Weight = 100
	assert.Equal(t, domain.VariantCanary, route.Pick("user-1").Name)
}

func TestRouterSnapshotIsolation(t *testing.T) {
	r := NewRouter()
	r.Set("fraud", Route{RolloutID: "a", Weight: 10}, true)
	before := r.Table()

	r.Set("fraud", Route{RolloutID: "a", Weight: 50}, true)
	got, _ := before.Route("fraud")
	assert.Equal(t, 10, got.Weight)
	now, _ := r.Table().Route("fraud")
	assert.Equal(t, 50, now.Weight)
	assert.Greater(t, r.Table().Version(), before.Version())
}
