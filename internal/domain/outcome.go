package domain

import "time"

type EvaluationStatus string

const (
	StatusApproved               EvaluationStatus = "approved"
	StatusBlocked                EvaluationStatus = "blocked"
	StatusManualReview           EvaluationStatus = "manual_review"
	StatusAdditionalAuthRequired EvaluationStatus = "additional_auth_required"
	StatusPending                EvaluationStatus = "pending"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Типы факторов риска
const (
	FactorRule   = "rule"
	FactorScorer = "scorer"
)

// RiskFactor один вклад в итоговый скор. Создается ровно одним правилом или вызовом модели.
type RiskFactor struct {
	Type         string         `json:"type"`
	Source       string         `json:"source"` // ID правила или скорера
	Contribution float64        `json:"contribution"`
	Description  string         `json:"description"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// VariantRef какой вариант раскатки обслужил транзакцию.
type VariantRef struct {
	RolloutID  string `json:"rollout_id,omitempty"`
	Name       string `json:"name"` // stable / canary / A / B
	ScorerID   string `json:"scorer_id,omitempty"`
	RuleFamily string `json:"rule_family"`
}

// DecisionOutcome финальный результат одной оценки. Не удаляется, ревью его не переписывает.
type DecisionOutcome struct {
	ID               string           `json:"id"`
	TransactionID    string           `json:"transaction_id"`
	UserID           string           `json:"user_id"`
	RiskScore        float64          `json:"risk_score"`
	RiskLevel        RiskLevel        `json:"risk_level"`
	Status           EvaluationStatus `json:"evaluation_status"`
	EvaluationTimeMs int64            `json:"evaluation_time_ms"`
	Factors          []RiskFactor     `json:"risk_factors"`
	Variant          VariantRef       `json:"variant"`

	ScorerScore     *float64 `json:"scorer_score,omitempty"`
	DegradedScoring bool     `json:"degraded_scoring"`
	DegradedReason  string   `json:"degraded_reason,omitempty"`

	// ReviewQueued решение заблокировано и отправлено в очередь ручной проверки
	ReviewQueued bool `json:"review_queued"`
	// PendingReconciliation аудит не записан после всех ретраев
	PendingReconciliation bool `json:"pending_reconciliation"`

	CreatedAt time.Time `json:"created_at"`
}

// ExternalStatus статус, который видит внешний мир. Заблокированное и поставленное в очередь
// решение отображается как manual_review.
func (o *DecisionOutcome) ExternalStatus() EvaluationStatus {
	if o.Status == StatusBlocked && o.ReviewQueued {
		return StatusManualReview
	}
	return o.Status
}
