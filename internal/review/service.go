// Package review стык с внешними процессами: очередь ручной проверки
// и step-up аутентификация. Решения здесь не вычисляются, только фиксируются.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra"
	"go.uber.org/zap"
)

// Store требования к хранилищу заявок и челленджей
type Store interface {
	GetOutcome(ctx context.Context, id string) (*domain.DecisionOutcome, error)

	CreateReview(ctx context.Context, item *domain.ReviewItem) error
	GetReview(ctx context.Context, outcomeID string) (*domain.ReviewItem, error)
	ListReviews(ctx context.Context, status domain.ReviewStatus) ([]domain.ReviewItem, error)
	UpdateReview(ctx context.Context, item *domain.ReviewItem, expected domain.ReviewStatus) error

	CreateChallenge(ctx context.Context, c *domain.Challenge) error
	GetChallenge(ctx context.Context, outcomeID string) (*domain.Challenge, error)
	UpdateChallenge(ctx context.Context, c *domain.Challenge, expected domain.ChallengeResult) error
}

// Decision вердикт ревьюера
type Decision struct {
	Status     domain.ReviewStatus `json:"status"`
	ReviewerID string              `json:"-"`
	Comment    string              `json:"comment"`
}

// State решение вместе с тем, что с ним сделали снаружи.
type State struct {
	Outcome         *domain.DecisionOutcome `json:"outcome"`
	Review          *domain.ReviewItem      `json:"review,omitempty"`
	Challenge       *domain.Challenge       `json:"challenge,omitempty"`
	EffectiveStatus domain.EvaluationStatus `json:"effective_status"`
}

type Service struct {
	store  Store
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, rdb *redis.Client, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		rdb:    rdb,
		logger: logger.Named("review-service"),
		now:    time.Now,
	}
}

// Enqueue ставит заблокированное решение в очередь. Повторный вызов не создает дубль.
func (s *Service) Enqueue(ctx context.Context, o *domain.DecisionOutcome, reason string) error {
	now := s.now().UTC()
	item := &domain.ReviewItem{
		OutcomeID: o.ID,
		UserID:    o.UserID,
		RiskScore: o.RiskScore,
		Reason:    reason,
		Status:    domain.ReviewPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateReview(ctx, item); err != nil {
		s.logger.Error("failed to enqueue review", zap.String("outcome_id", o.ID), zap.Error(err))
		return fmt.Errorf("enqueue review: %w", err)
	}

	// Сигнал воркфлоу ревью: новая заявка
	payload, _ := json.Marshal(item)
	infra.Publish(ctx, s.rdb, s.logger, infra.RedisChanReviewQueue, string(payload))

	s.logger.Info("outcome queued for review",
		zap.String("outcome_id", o.ID),
		zap.Float64("risk_score", o.RiskScore),
		zap.String("reason", reason))
	return nil
}

func (s *Service) List(ctx context.Context, status domain.ReviewStatus) ([]domain.ReviewItem, error) {
	return s.store.ListReviews(ctx, status)
}

// Decide фиксирует вердикт ревьюера. Исходное решение не трогаем:
// вердикт живет рядом и меняет только эффективный статус.
func (s *Service) Decide(ctx context.Context, outcomeID string, d Decision) (*domain.ReviewItem, error) {
	item, err := s.store.GetReview(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	if err := item.CanTransitionTo(d.Status); err != nil {
		return nil, fmt.Errorf("review %s (%s -> %s): %w", outcomeID, item.Status, d.Status, err)
	}
	switch d.Status {
	case domain.ReviewApproved, domain.ReviewBlocked, domain.ReviewEscalated:
	default:
		return nil, fmt.Errorf("%w: unknown review status %q", domain.ErrInvalidTransition, d.Status)
	}

	prev := item.Status
	next := *item
	next.Status = d.Status
	next.ReviewerID = &d.ReviewerID
	if d.Comment != "" {
		next.Comment = &d.Comment
	}
	next.UpdatedAt = s.now().UTC()

	// CAS по предыдущему статусу: из двух ревьюеров выигрывает первый
	if err := s.store.UpdateReview(ctx, &next, prev); err != nil {
		s.logger.Error("failed to persist review decision",
			zap.String("outcome_id", outcomeID),
			zap.String("reviewer_id", d.ReviewerID),
			zap.Error(err))
		return nil, fmt.Errorf("review %s: %w", outcomeID, err)
	}

	s.logger.Info("review decided",
		zap.String("outcome_id", outcomeID),
		zap.String("reviewer_id", d.ReviewerID),
		zap.String("status", string(d.Status)))
	return &next, nil
}

// OpenChallenge передает решение провайдеру step-up аутентификации.
func (s *Service) OpenChallenge(ctx context.Context, o *domain.DecisionOutcome) error {
	now := s.now().UTC()
	c := &domain.Challenge{
		OutcomeID: o.ID,
		UserID:    o.UserID,
		Result:    domain.ChallengePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return fmt.Errorf("open challenge: %w", err)
	}
	return nil
}

// FinalizeChallenge принимает терминальный сигнал провайдера.
// exhausted дополнительно отправляет решение в очередь ручной проверки.
func (s *Service) FinalizeChallenge(ctx context.Context, outcomeID string, result domain.ChallengeResult) (*domain.Challenge, error) {
	switch result {
	case domain.ChallengeVerified, domain.ChallengeFailed, domain.ChallengeExhausted:
	default:
		return nil, fmt.Errorf("%w: unknown challenge result %q", domain.ErrInvalidTransition, result)
	}

	o, err := s.store.GetOutcome(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.StatusAdditionalAuthRequired {
		return nil, fmt.Errorf("%w: outcome %s is %s", domain.ErrInvalidTransition, outcomeID, o.Status)
	}

	c, err := s.store.GetChallenge(ctx, outcomeID)
	if errors.Is(err, domain.ErrNotFound) {
		// провайдер ответил раньше, чем мы успели записать хэнд-офф
		if err := s.OpenChallenge(ctx, o); err != nil {
			return nil, err
		}
		c, err = s.store.GetChallenge(ctx, outcomeID)
	}
	if err != nil {
		return nil, err
	}
	if c.Result != domain.ChallengePending {
		return nil, fmt.Errorf("challenge %s: %w", outcomeID, domain.ErrAlreadyProcessed)
	}

	next := *c
	next.Result = result
	next.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateChallenge(ctx, &next, domain.ChallengePending); err != nil {
		return nil, fmt.Errorf("challenge %s: %w", outcomeID, err)
	}

	if result == domain.ChallengeExhausted {
		if err := s.Enqueue(ctx, o, "additional authentication exhausted"); err != nil {
			return nil, err
		}
	}

	s.logger.Info("challenge finalized",
		zap.String("outcome_id", outcomeID),
		zap.String("result", string(result)),
		zap.String("status", string(result.FinalStatus())))
	return &next, nil
}

// State собирает решение, заявку и челлендж. Эффективный статус:
// вердикт ревьюера > результат челленджа > статус решения.
func (s *Service) State(ctx context.Context, o *domain.DecisionOutcome) (*State, error) {
	st := &State{Outcome: o, EffectiveStatus: o.ExternalStatus()}

	c, err := s.store.GetChallenge(ctx, o.ID)
	switch {
	case err == nil:
		st.Challenge = c
		if c.Result != domain.ChallengePending {
			st.EffectiveStatus = c.Result.FinalStatus()
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	item, err := s.store.GetReview(ctx, o.ID)
	switch {
	case err == nil:
		st.Review = item
		st.EffectiveStatus = item.EffectiveStatus()
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	return st, nil
}
