package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра принятия решений.
var (
	// ErrScorerTimeout модель не ответила в пределах бюджета запроса. Деградируем до правил.
	ErrScorerTimeout = errors.New("scorer timeout")
	// ErrConflictingDeployment проиграли гонку за статус production/canary внутри семейства.
	ErrConflictingDeployment = errors.New("conflicting deployment")
	// ErrStaleRolloutState состояние раскатки изменилось, пока мы ждали владения.
	ErrStaleRolloutState = errors.New("stale rollout state")
	// ErrPersistenceLag решение отдано клиенту, но запись аудита отстает.
	ErrPersistenceLag = errors.New("persistence lag")
	// ErrInvalidRolloutTransition действие недопустимо из текущего состояния.
	ErrInvalidRolloutTransition = errors.New("invalid rollout transition")
	// ErrConfigurationIntegrity два скорера претендуют на один и тот же слот. Блокирует раскатки.
	ErrConfigurationIntegrity = errors.New("configuration integrity violation")

	ErrNotFound           = errors.New("not found")
	ErrThresholdsNotMet   = errors.New("rollout thresholds not met")
	ErrInvalidRule        = errors.New("invalid rule")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrRolloutActive      = errors.New("family already has an active rollout")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyProcessed   = errors.New("already processed")
)

// TransitionError возвращается оператору синхронно вместе с текущим состоянием.
type TransitionError struct {
	RolloutID string
	Action    string
	Current   RolloutStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("rollout %s: action %q not allowed in status %q", e.RolloutID, e.Action, e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidRolloutTransition
}
