package domain

import (
	"fmt"
	"time"
)

type RolloutKind string

const (
	KindCanary RolloutKind = "canary"
	KindAB     RolloutKind = "ab_test"
)

type RolloutStatus string

// Canary
const (
	CanaryInitializing RolloutStatus = "initializing"
	CanaryProgressing  RolloutStatus = "progressing"
	CanarySucceeded    RolloutStatus = "succeeded"
	CanaryFailed       RolloutStatus = "failed"
	CanaryRollback     RolloutStatus = "rollback"
)

// A/B тест
const (
	ABDraft     RolloutStatus = "draft"
	ABRunning   RolloutStatus = "running"
	ABPaused    RolloutStatus = "paused"
	ABCompleted RolloutStatus = "completed"
	ABCancelled RolloutStatus = "cancelled"
)

// Имена вариантов
const (
	VariantStable = "stable"
	VariantCanary = "canary"
	VariantA      = "A"
	VariantB      = "B"
)

// Thresholds пороги авто-отката канарейки.
type Thresholds struct {
	MaxErrorRate    float64 `json:"max_error_rate"` // доля 0..1
	MaxP95LatencyMs float64 `json:"max_p95_latency_ms"`
	MinSuccessRate  float64 `json:"min_success_rate"` // доля 0..1
	IntervalSec     int     `json:"monitoring_interval_sec"`
	MaxViolations   int     `json:"consecutive_violations"`
	MinSamples      int     `json:"min_samples"`
}

func (t Thresholds) Interval() time.Duration {
	return time.Duration(t.IntervalSec) * time.Second
}

// Check возвращает описание первого нарушенного порога или пустую строку.
func (t Thresholds) Check(s WindowStats) string {
	switch {
	case s.ErrorRate > t.MaxErrorRate:
		return fmt.Sprintf("error_rate %.2f%% > %.2f%%", s.ErrorRate*100, t.MaxErrorRate*100)
	case s.SuccessRate < t.MinSuccessRate:
		return fmt.Sprintf("success_rate %.2f%% < %.2f%%", s.SuccessRate*100, t.MinSuccessRate*100)
	case t.MaxP95LatencyMs > 0 && s.P95LatencyMs > t.MaxP95LatencyMs:
		return fmt.Sprintf("p95_latency %.1fms > %.1fms", s.P95LatencyMs, t.MaxP95LatencyMs)
	}
	return ""
}

// Variant одна сторона раскатки: какой скорер и какое семейство правил.
type Variant struct {
	Name       string `json:"name"`
	ScorerID   string `json:"scorer_id"`
	RuleFamily string `json:"rule_family"`
}

// Comparison снимок метрик обеих сторон, на основании которого выбрали победителя.
type Comparison struct {
	Stable    VariantSnapshot `json:"stable"`
	Candidate VariantSnapshot `json:"candidate"`
}

// Rollout канареечный релиз или A/B тест. Вес относится к кандидату (или к B).
type Rollout struct {
	ID          string        `json:"id"`
	Kind        RolloutKind   `json:"kind"`
	ModelFamily string        `json:"model_family"`
	Stable      Variant       `json:"stable"`    // stable или A
	Candidate   Variant       `json:"candidate"` // canary или B
	Weight      int           `json:"traffic_weight"`
	Step        int           `json:"step"`
	Status      RolloutStatus `json:"status"`
	Thresholds  Thresholds    `json:"thresholds"`

	Violations int         `json:"consecutive_violations"`
	Reason     string      `json:"reason,omitempty"` // rollback_reason / termination reason
	Winner     string      `json:"winner,omitempty"`
	Comparison *Comparison `json:"comparison,omitempty"`
	Version    int64       `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StableWeight доля трафика на стабильной стороне; в сумме всегда 100.
func (r *Rollout) StableWeight() int {
	return 100 - r.Weight
}

// IsActive раскатка еще держит семейство.
func (r *Rollout) IsActive() bool {
	switch r.Status {
	case CanaryInitializing, CanaryProgressing, ABDraft, ABRunning, ABPaused:
		return true
	}
	return false
}

// Routes раскатка сейчас влияет на маршрутизацию.
func (r *Rollout) Routes() bool {
	return r.Status == CanaryProgressing || r.Status == ABRunning
}

// Clone глубокая копия для чтения без блокировок.
func (r *Rollout) Clone() *Rollout {
	c := *r
	if r.Comparison != nil {
		cmp := *r.Comparison
		c.Comparison = &cmp
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
