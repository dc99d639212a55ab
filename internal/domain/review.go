package domain

import "time"

// Статусы очереди ручной проверки
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewApproved  ReviewStatus = "approved"
	ReviewBlocked   ReviewStatus = "blocked"
	ReviewEscalated ReviewStatus = "escalated"
)

// ReviewItem заявка на ручную проверку заблокированного решения.
type ReviewItem struct {
	OutcomeID  string       `json:"outcome_id"`
	UserID     string       `json:"user_id"`
	RiskScore  float64      `json:"risk_score"`
	Reason     string       `json:"reason"`
	Status     ReviewStatus `json:"status"`
	ReviewerID *string      `json:"reviewer_id,omitempty"`
	Comment    *string      `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (r *ReviewItem) CanTransitionTo(next ReviewStatus) error {
	if r.Status != ReviewPending && r.Status != ReviewEscalated {
		return ErrAlreadyProcessed
	}
	if next == ReviewPending {
		return ErrInvalidTransition
	}
	return nil
}

// EffectiveStatus статус транзакции с учетом решения ревьюера.
func (r *ReviewItem) EffectiveStatus() EvaluationStatus {
	switch r.Status {
	case ReviewApproved:
		return StatusApproved
	case ReviewBlocked:
		return StatusBlocked
	}
	return StatusManualReview
}

// ChallengeResult терминальный сигнал провайдера step-up аутентификации.
type ChallengeResult string

const (
	ChallengePending   ChallengeResult = "pending"
	ChallengeVerified  ChallengeResult = "verified"
	ChallengeFailed    ChallengeResult = "failed"
	ChallengeExhausted ChallengeResult = "exhausted"
)

// Challenge состояние дополнительной аутентификации по решению.
type Challenge struct {
	OutcomeID string          `json:"outcome_id"`
	UserID    string          `json:"user_id"`
	Result    ChallengeResult `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FinalStatus во что превращается транзакция после ответа провайдера.
func (c ChallengeResult) FinalStatus() EvaluationStatus {
	switch c {
	case ChallengeVerified:
		return StatusApproved
	case ChallengeFailed:
		return StatusBlocked
	case ChallengeExhausted:
		return StatusManualReview
	}
	return StatusAdditionalAuthRequired
}
