package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/repository/memory"
	"go.uber.org/zap"
)

// flakyStore падает первые failures вызовов, дальше пишет в память.
type flakyStore struct {
	*memory.Store
	failures int32
	calls    int32
	single   int32 // вызовы SaveOutcome: только синхронный путь
}

func (f *flakyStore) fail() error {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyStore) SaveOutcome(ctx context.Context, o *domain.DecisionOutcome) error {
	atomic.AddInt32(&f.single, 1)
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.SaveOutcome(ctx, o)
}

func (f *flakyStore) SaveOutcomes(ctx context.Context, list []*domain.DecisionOutcome) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.SaveOutcomes(ctx, list)
}

func newTestJournal(t *testing.T, store OutcomeStore, attempts uint) (*Journal, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	j := NewJournal(store, nil, Config{
		BatchSize:     10,
		FlushInterval: 5 * time.Millisecond,
		RetryAttempts: attempts,
		RetryDelay:    time.Millisecond,
	}, m, zap.NewNop())
	j.Start()
	return j, m
}

func outcome(id string) *domain.DecisionOutcome {
	return &domain.DecisionOutcome{ID: id, TransactionID: "tx-" + id, Status: domain.StatusApproved, CreatedAt: time.Now()}
}

func TestJournal_CommitSynchronous(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	j, _ := newTestJournal(t, store, 3)
	defer j.Stop()

	o := outcome("o-1")
	require.NoError(t, j.Commit(context.Background(), o))
	assert.False(t, o.PendingReconciliation)

	got, err := store.GetOutcome(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-o-1", got.TransactionID)
}

func TestJournal_BackgroundRetryRecovers(t *testing.T) {
	// синхронная попытка и первый фоновый вызов падают, второй проходит
	store := &flakyStore{Store: memory.NewStore(), failures: 2}
	j, m := newTestJournal(t, store, 5)

	o := outcome("o-2")
	err := j.Commit(context.Background(), o)
	require.ErrorIs(t, err, domain.ErrPersistenceLag)
	assert.True(t, o.PendingReconciliation, "the caller sees the lag")

	require.Eventually(t, func() bool {
		_, err := store.GetOutcome(context.Background(), "o-2")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	j.Stop()
	got, err := store.GetOutcome(context.Background(), "o-2")
	require.NoError(t, err)
	assert.False(t, got.PendingReconciliation)
	assert.Empty(t, j.Pending())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Backlog))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries))
}

func TestJournal_ExhaustedRetriesGoToReconciliation(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failures: 1000}
	j, m := newTestJournal(t, store, 3)

	require.ErrorIs(t, j.Commit(context.Background(), outcome("o-3")), domain.ErrPersistenceLag)

	require.Eventually(t, func() bool { return len(j.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	j.Stop()

	pending := j.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "o-3", pending[0].ID)
	assert.True(t, pending[0].PendingReconciliation)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Backlog))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconciliation))

	lagging, ok := j.Lookup("o-3")
	require.True(t, ok, "outcome on reconciliation stays readable")
	assert.True(t, lagging.PendingReconciliation)

	// хранилище ожило: replay дописывает и чистит набор
	atomic.StoreInt32(&store.failures, 0)
	n, err := j.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, j.Pending())

	got, err := store.GetOutcome(context.Background(), "o-3")
	require.NoError(t, err)
	assert.False(t, got.PendingReconciliation)
}

func TestJournal_ReplayFailureKeepsSet(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failures: 1000}
	j, _ := newTestJournal(t, store, 1)

	_ = j.Commit(context.Background(), outcome("o-4"))
	require.Eventually(t, func() bool { return len(j.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	j.Stop()

	_, err := j.Replay(context.Background())
	require.ErrorIs(t, err, domain.ErrPersistenceLag)
	assert.Len(t, j.Pending(), 1)
}

func TestJournal_StopDrainsConcurrentCommits(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failures: 50}
	j, _ := newTestJournal(t, store, 10)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = j.Commit(context.Background(), outcome(fmt.Sprintf("o-%d", i)))
		}(i)
	}
	wg.Wait()
	j.Stop()

	// после остановки ни одно решение не потеряно: либо записано, либо на сверке
	j.mu.RLock()
	defer j.mu.RUnlock()
	assert.Empty(t, j.retries)
}

func TestJournal_CommitWithSpentBudgetGoesStraightToQueue(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	j, _ := newTestJournal(t, store, 3)
	defer j.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := outcome("o-5")
	require.ErrorIs(t, j.Commit(ctx, o), domain.ErrPersistenceLag)
	assert.True(t, o.PendingReconciliation)
	assert.Zero(t, atomic.LoadInt32(&store.single), "no synchronous write without budget")

	require.Eventually(t, func() bool {
		_, err := store.GetOutcome(context.Background(), "o-5")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestJournal_StopWhileCommitting(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failures: 1 << 30}
	j, _ := newTestJournal(t, store, 1)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = j.Commit(context.Background(), outcome(fmt.Sprintf("o-%d-%d", g, i)))
			}
		}(g)
	}
	time.Sleep(2 * time.Millisecond)
	j.Stop()
	wg.Wait()
	j.Stop()

	// ни одной отправки в закрытый канал; все решения на сверке
	assert.Len(t, j.Pending(), 800)
}

func TestBackoff_Capped(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, backoff(10*time.Millisecond, 0))
	assert.Equal(t, 40*time.Millisecond, backoff(10*time.Millisecond, 2))
	assert.Equal(t, 320*time.Millisecond, backoff(10*time.Millisecond, 9))
}
