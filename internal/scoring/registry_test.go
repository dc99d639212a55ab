package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

type funcClient func(ctx context.Context, s *domain.Scorer, tx *domain.Transaction) (float64, error)

func (f funcClient) Score(ctx context.Context, s *domain.Scorer, tx *domain.Transaction) (float64, error) {
	return f(ctx, s, tx)
}

func fixedScore(v float64) Client {
	return funcClient(func(context.Context, *domain.Scorer, *domain.Transaction) (float64, error) { return v, nil })
}

func newRegistry(t *testing.T, client Client, scorers ...domain.Scorer) (*Registry, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	for _, s := range scorers {
		store.PutScorer(s)
	}
	reg := NewRegistry(store, client, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, reg.Load(context.Background()))
	return reg, store
}

func scorer(id string, st domain.DeploymentStatus) domain.Scorer {
	return domain.Scorer{ID: id, Family: "fraud", Version: id, Status: st}
}

func sampleTx() *domain.Transaction {
	return &domain.Transaction{
		ID: "tx-1", UserID: "u-1", Amount: decimal.NewFromInt(500),
		IPAddress: "10.0.0.1", DeviceFingerprint: "d", SubmittedAt: time.Now(),
	}
}

func TestResolve(t *testing.T) {
	reg, _ := newRegistry(t, fixedScore(1),
		scorer("v1", domain.DeployProduction),
		scorer("v2", domain.DeployCanary),
		scorer("v0", domain.DeployRetired),
	)
	res, err := reg.Resolve("fraud")
	require.NoError(t, err)
	require.NotNil(t, res.Stable)
	require.NotNil(t, res.Candidate)
	assert.Equal(t, "v1", res.Stable.ID)
	assert.Equal(t, "v2", res.Candidate.ID)

	res, err = reg.Resolve("other")
	require.NoError(t, err)
	assert.Nil(t, res.Stable)
}

func TestRegisterStartsInDevelopment(t *testing.T) {
	reg, _ := newRegistry(t, fixedScore(1))
	s, err := reg.Register(context.Background(), &domain.Scorer{Family: "fraud", Version: "3.0"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeployDevelopment, s.Status)
	assert.NotEmpty(t, s.ID)

	_, err = reg.Register(context.Background(), &domain.Scorer{Family: "fraud", Version: "3.1", Status: domain.DeployProduction})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTransitionEnforcesSingleHolder(t *testing.T) {
	reg, _ := newRegistry(t, fixedScore(1),
		scorer("v1", domain.DeployProduction),
		scorer("v2", domain.DeployStaging),
		scorer("v3", domain.DeployStaging),
	)
	ctx := context.Background()

	_, err := reg.Transition(ctx, "v2", domain.DeployStaging, domain.DeployProduction)
	assert.ErrorIs(t, err, domain.ErrConflictingDeployment)

	_, err = reg.Transition(ctx, "v2", domain.DeployStaging, domain.DeployCanary)
	require.NoError(t, err)
	_, err = reg.Transition(ctx, "v3", domain.DeployStaging, domain.DeployCanary)
	assert.ErrorIs(t, err, domain.ErrConflictingDeployment)

	// stale "from"
	_, err = reg.Transition(ctx, "v2", domain.DeployStaging, domain.DeployRetired)
	assert.ErrorIs(t, err, domain.ErrConflictingDeployment)
}

func TestRetiredIsTerminal(t *testing.T) {
	reg, _ := newRegistry(t, fixedScore(1), scorer("v0", domain.DeployRetired))
	_, err := reg.Transition(context.Background(), "v0", "", domain.DeployStaging)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPromoteRetiresPreviousProduction(t *testing.T) {
	reg, store := newRegistry(t, fixedScore(1),
		scorer("v1", domain.DeployProduction),
		scorer("v2", domain.DeployCanary),
	)
	require.NoError(t, reg.Promote(context.Background(), "v2", "v1"))

	v1, _ := reg.Get("v1")
	v2, _ := reg.Get("v2")
	assert.Equal(t, domain.DeployRetired, v1.Status)
	assert.Equal(t, domain.DeployProduction, v2.Status)

	persisted, err := store.ListScorers(context.Background())
	require.NoError(t, err)
	prod := 0
	for _, s := range persisted {
		if s.Status == domain.DeployProduction {
			prod++
		}
	}
	assert.Equal(t, 1, prod)
}

func TestConcurrentPromotionExactlyOneWins(t *testing.T) {
	reg, _ := newRegistry(t, fixedScore(1),
		scorer("v1", domain.DeployProduction),
		scorer("a", domain.DeployStaging),
		scorer("b", domain.DeployStaging),
	)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = reg.Promote(context.Background(), id, "v1")
		}(i, id)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrConflictingDeployment)
		}
	}
	assert.Equal(t, 1, wins)
	require.NoError(t, reg.CheckIntegrity("fraud"))
}

func TestIntegrityViolationBlocksTransitions(t *testing.T) {
	reg, _ := newRegistry(t, fixedScore(1),
		scorer("v1", domain.DeployProduction),
		scorer("v9", domain.DeployProduction),
		scorer("v2", domain.DeployStaging),
	)
	ctx := context.Background()

	assert.ErrorIs(t, reg.CheckIntegrity("fraud"), domain.ErrConfigurationIntegrity)
	_, err := reg.Resolve("fraud")
	assert.ErrorIs(t, err, domain.ErrConfigurationIntegrity)
	_, err = reg.Transition(ctx, "v2", "", domain.DeployCanary)
	assert.ErrorIs(t, err, domain.ErrConfigurationIntegrity)

	// оператор разрешает конфликт
	_, err = reg.Transition(ctx, "v9", domain.DeployProduction, domain.DeployRetired)
	require.NoError(t, err)
	assert.NoError(t, reg.CheckIntegrity("fraud"))
}

func TestInvokeHonorsDeadline(t *testing.T) {
	slow := funcClient(func(ctx context.Context, _ *domain.Scorer, _ *domain.Transaction) (float64, error) {
		time.Sleep(200 * time.Millisecond) // клиент, игнорирующий ctx
		return 5, nil
	})
	reg, _ := newRegistry(t, slow, scorer("v1", domain.DeployProduction))
	s, _ := reg.Get("v1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := reg.Invoke(ctx, s, sampleTx())
	assert.ErrorIs(t, err, domain.ErrScorerTimeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestInvokeRejectsOutOfRangeScore(t *testing.T) {
	reg, _ := newRegistry(t, fixedScore(140), scorer("v1", domain.DeployProduction))
	s, _ := reg.Get("v1")
	_, err := reg.Invoke(context.Background(), s, sampleTx())
	assert.True(t, errors.Is(err, errInvalidScore))

	reg, _ = newRegistry(t, fixedScore(42), scorer("v1", domain.DeployProduction))
	s, _ = reg.Get("v1")
	got, err := reg.Invoke(context.Background(), s, sampleTx())
	require.NoError(t, err)
	assert.Equal(t, 42.0, got.Value)
}
