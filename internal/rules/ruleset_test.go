package rules

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
	"go.uber.org/zap/zaptest"
)

type stubRepo struct {
	rules []domain.Rule
	err   error
}

func (s *stubRepo) ListRules(context.Context) ([]domain.Rule, error) { return s.rules, s.err }

func amountRule(id string, priority int, gt int64, score float64) domain.Rule {
	return domain.Rule{
		ID: id, Name: id, Family: domain.DefaultRuleFamily, Priority: priority, Active: true,
		Condition: domain.Condition{Kind: domain.ConditionThreshold, Field: domain.FieldAmount, Op: domain.OpGT, Value: decimal.NewFromInt(gt)},
		Score:     score,
	}
}

func testTx(amount int64) *domain.Transaction {
	return &domain.Transaction{
		ID: "tx-1", UserID: "u-1", Amount: decimal.NewFromInt(amount),
		IPAddress: "10.1.2.3", DeviceFingerprint: "dev-1", BillingCountry: "DE",
		Email: "Buyer@Example.COM", SubmittedAt: time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC),
	}
}

func TestSnapshotAdditiveAndOrdered(t *testing.T) {
	snap, err := BuildSnapshot([]domain.Rule{
		amountRule("big", 20, 1000, 25),
		amountRule("huge", 10, 1_000_000, 40),
		amountRule("tiny", 5, 10_000_000, 90),
	}, 1)
	require.NoError(t, err)

	factors := snap.Evaluate(domain.DefaultRuleFamily, Input{Tx: testTx(2_000_000)})
	require.Len(t, factors, 2)
	assert.Equal(t, "huge", factors[0].Source, "lower priority number runs first")
	assert.Equal(t, "big", factors[1].Source)

	var total float64
	for _, f := range factors {
		total += f.Contribution
		assert.Equal(t, domain.FactorRule, f.Type)
	}
	assert.Equal(t, 65.0, total)
}

func TestSnapshotSkipsInactiveAndOtherFamilies(t *testing.T) {
	inactive := amountRule("off", 1, 0, 10)
	inactive.Active = false
	other := amountRule("exp", 1, 0, 10)
	other.Family = "experiment"

	snap, err := BuildSnapshot([]domain.Rule{inactive, other}, 1)
	require.NoError(t, err)

	assert.Empty(t, snap.Evaluate(domain.DefaultRuleFamily, Input{Tx: testTx(50)}))
	assert.Len(t, snap.Evaluate("experiment", Input{Tx: testTx(50)}), 1)
}

func TestConditionKinds(t *testing.T) {
	velocity := NewVelocityTracker(time.Hour)
	base := testTx(100).SubmittedAt
	for i := 1; i <= 3; i++ {
		velocity.Observe("u-1", base.Add(-time.Duration(i)*time.Minute))
	}

	tests := []struct {
		name  string
		cond  domain.Condition
		ipCC  string
		match bool
	}{
		{"hour of day lt", domain.Condition{Kind: domain.ConditionThreshold, Field: domain.FieldHourOfDay, Op: domain.OpLT, Value: decimal.NewFromInt(6)}, "", true},
		{"amount eq miss", domain.Condition{Kind: domain.ConditionThreshold, Field: domain.FieldAmount, Op: domain.OpEQ, Value: decimal.NewFromInt(99)}, "", false},
		{"device in set", domain.Condition{Kind: domain.ConditionMembership, Field: domain.FieldDeviceFingerprint, Values: []string{"dev-1"}}, "", true},
		{"email domain case-insensitive", domain.Condition{Kind: domain.ConditionMembership, Field: domain.FieldEmailDomain, Values: []string{"example.com"}}, "", true},
		{"country not in allow list", domain.Condition{Kind: domain.ConditionMembership, Field: domain.FieldBillingCountry, Values: []string{"us", "ca"}, Negate: true}, "", true},
		{"geo mismatch", domain.Condition{Kind: domain.ConditionGeoMismatch}, "NG", true},
		{"geo same country", domain.Condition{Kind: domain.ConditionGeoMismatch}, "de", false},
		{"geo unknown ip", domain.Condition{Kind: domain.ConditionGeoMismatch}, "", false},
		{"velocity over limit", domain.Condition{Kind: domain.ConditionVelocity, WindowSec: 600, Limit: 3}, "", true},
		{"velocity under limit", domain.Condition{Kind: domain.ConditionVelocity, WindowSec: 600, Limit: 4}, "", false},
		{"velocity narrow window", domain.Condition{Kind: domain.ConditionVelocity, WindowSec: 90, Limit: 1}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := domain.Rule{ID: "r", Name: "r", Active: true, Condition: tt.cond, Score: 10}
			snap, err := BuildSnapshot([]domain.Rule{r}, 1)
			require.NoError(t, err)
			got := snap.Evaluate(domain.DefaultRuleFamily, Input{Tx: testTx(100), IPCountry: tt.ipCC, Velocity: velocity})
			assert.Equal(t, tt.match, len(got) == 1)
		})
	}
}

func TestBuildSnapshotRejectsInvalidRule(t *testing.T) {
	bad := domain.Rule{ID: "bad", Name: "bad", Active: true, Condition: domain.Condition{Kind: "regex"}}
	_, err := BuildSnapshot([]domain.Rule{bad}, 1)
	assert.True(t, errors.Is(err, domain.ErrInvalidRule))
}

func TestSetRefreshSkipsInvalid(t *testing.T) {
	bad := domain.Rule{ID: "bad", Name: "bad", Active: true, Condition: domain.Condition{Kind: domain.ConditionThreshold, Field: "color"}}
	repo := &stubRepo{rules: []domain.Rule{amountRule("ok", 1, 10, 5), bad}}
	set := NewSet(repo, zaptest.NewLogger(t))

	require.NoError(t, set.Refresh(context.Background()))
	assert.Len(t, set.Snapshot().Rules(domain.DefaultRuleFamily), 1)
	assert.Equal(t, int64(1), set.Snapshot().Version())
}

func TestInFlightSnapshotUnaffectedByToggle(t *testing.T) {
	set := NewSet(&stubRepo{}, zaptest.NewLogger(t))
	require.NoError(t, set.Publish([]domain.Rule{amountRule("r1", 1, 10, 30)}))

	inFlight := set.Snapshot()

	off := amountRule("r1", 1, 10, 30)
	off.Active = false
	require.NoError(t, set.Publish([]domain.Rule{off}))

	assert.Len(t, inFlight.Evaluate(domain.DefaultRuleFamily, Input{Tx: testTx(100)}), 1)
	assert.Empty(t, set.Snapshot().Evaluate(domain.DefaultRuleFamily, Input{Tx: testTx(100)}))
}

func TestConcurrentReadersDuringPublish(t *testing.T) {
	set := NewSet(&stubRepo{}, zaptest.NewLogger(t))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				factors := set.Snapshot().Evaluate(domain.DefaultRuleFamily, Input{Tx: testTx(100)})
				// Снапшот либо пустой, либо целиком из двух правил
				if len(factors) != 0 && len(factors) != 2 {
					t.Errorf("torn snapshot: %d factors", len(factors))
					return
				}
			}
		}()
	}
	for j := 0; j < 200; j++ {
		if j%2 == 0 {
			_ = set.Publish([]domain.Rule{amountRule("a", 1, 10, 1), amountRule("b", 2, 10, 1)})
		} else {
			_ = set.Publish(nil)
		}
	}
	wg.Wait()
}

func TestStaticGeoResolverLongestPrefix(t *testing.T) {
	geo, err := NewStaticGeoResolver(map[string]string{
		"10.0.0.0/8":  "de",
		"10.1.0.0/16": "ng",
		"2001:db8::/32": "us",
	})
	require.NoError(t, err)

	assert.Equal(t, "NG", geo.Country("10.1.2.3"))
	assert.Equal(t, "DE", geo.Country("10.2.0.1"))
	assert.Equal(t, "US", geo.Country("2001:db8::1"))
	assert.Equal(t, "", geo.Country("192.168.0.1"))
	assert.Equal(t, "", geo.Country("not-an-ip"))
}

func TestVelocitySweepEvictsIdleUsers(t *testing.T) {
	v := NewVelocityTracker(time.Hour)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	v.Observe("idle", base)
	v.Observe("active", base.Add(50*time.Minute))
	require.Equal(t, 2, v.Len())

	assert.Equal(t, 1, v.Sweep(base.Add(90*time.Minute)))
	assert.Equal(t, 1, v.Len())
	assert.Equal(t, 0, v.Count("idle", time.Hour, base.Add(90*time.Minute)))
	assert.Equal(t, 1, v.Count("active", time.Hour, base.Add(90*time.Minute)))

	// после вычистки пользователь снова отслеживается с нуля
	v.Observe("idle", base.Add(95*time.Minute))
	assert.Equal(t, 1, v.Count("idle", time.Hour, base.Add(95*time.Minute)))

	assert.Equal(t, 2, v.Sweep(base.Add(5*time.Hour)))
	assert.Zero(t, v.Len())
}

func TestVelocityObserveDuringSweep(t *testing.T) {
	v := NewVelocityTracker(time.Minute)
	now := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			v.Observe("u-1", now)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			v.Sweep(now.Add(time.Hour))
		}
	}()
	wg.Wait()
	v.Observe("u-1", now)
	assert.Positive(t, v.Count("u-1", time.Minute, now))
}
