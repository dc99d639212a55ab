package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra"
	"go.uber.org/zap"
)

// RuleRepository требования сервиса к хранилищу правил
type RuleRepository interface {
	ListRules(ctx context.Context) ([]domain.Rule, error)
	GetRule(ctx context.Context, id string) (*domain.Rule, error)
	CreateRule(ctx context.Context, r *domain.Rule) error
	UpdateRule(ctx context.Context, r *domain.Rule) error
	DeleteRule(ctx context.Context, id string) error
}

// RuleRefresher локальный набор правил инстанса консоли, если он же принимает решения.
type RuleRefresher interface {
	Refresh(ctx context.Context) error
}

type RuleService struct {
	repo   RuleRepository
	local  RuleRefresher
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewRuleService(repo RuleRepository, local RuleRefresher, rdb *redis.Client, logger *zap.Logger) *RuleService {
	return &RuleService{
		repo:   repo,
		local:  local,
		rdb:    rdb,
		logger: logger.Named("rule-service"),
		now:    time.Now,
	}
}

func (s *RuleService) List(ctx context.Context) ([]domain.Rule, error) {
	return s.repo.ListRules(ctx)
}

func (s *RuleService) Get(ctx context.Context, id string) (*domain.Rule, error) {
	return s.repo.GetRule(ctx, id)
}

// Create валидирует правило до записи: битое правило не должно попасть в набор ни одного инстанса.
func (s *RuleService) Create(ctx context.Context, r *domain.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	if err := s.repo.CreateRule(ctx, r); err != nil {
		return err
	}
	s.notifyUpdate(ctx, "create", r.ID)
	return nil
}

func (s *RuleService) Update(ctx context.Context, r *domain.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cur, err := s.repo.GetRule(ctx, r.ID)
	if err != nil {
		return err
	}
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = s.now()
	if err := s.repo.UpdateRule(ctx, r); err != nil {
		return err
	}
	s.notifyUpdate(ctx, "update", r.ID)
	return nil
}

// SetActive включение и выключение без правки условия.
func (s *RuleService) SetActive(ctx context.Context, id string, active bool) (*domain.Rule, error) {
	r, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Active == active {
		return r, nil
	}
	r.Active = active
	r.UpdatedAt = s.now()
	if err := s.repo.UpdateRule(ctx, r); err != nil {
		return nil, err
	}
	action := "deactivate"
	if active {
		action = "activate"
	}
	s.notifyUpdate(ctx, action, id)
	return r, nil
}

func (s *RuleService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.notifyUpdate(ctx, "delete", id)
	return nil
}

// notifyUpdate сигнал всем инстансам перечитать правила. Полезная нагрузка
// только для логов, инстанс перечитывает всю таблицу.
func (s *RuleService) notifyUpdate(ctx context.Context, action, id string) {
	if s.local != nil {
		if err := s.local.Refresh(ctx); err != nil {
			s.logger.Error("local rule refresh failed", zap.Error(err))
		}
	}
	infra.Publish(ctx, s.rdb, s.logger, infra.RedisChanRulesUpdate, action+":"+id)
	s.logger.Info("rule changed", zap.String("rule_id", id), zap.String("action", action))
}
