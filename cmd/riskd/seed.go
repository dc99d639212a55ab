package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xela07ax/riskgate/internal/console/service"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra"
	"github.com/xela07ax/riskgate/internal/repository/postgres"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// seedFile начальное наполнение: правила, модели, операторы консоли.
type seedFile struct {
	Rules     []domain.Rule   `yaml:"rules"`
	Scorers   []domain.Scorer `yaml:"scorers"`
	Operators []seedOperator  `yaml:"operators"`
}

type seedOperator struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Scopes   []string `yaml:"scopes"`
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load rules, scorers and operators from a YAML file into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.Database.URL == "" {
				return errors.New("database.url is required for seed")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			var sf seedFile
			if err := yaml.Unmarshal(data, &sf); err != nil {
				return fmt.Errorf("parse seed file: %w", err)
			}

			ctx := cmd.Context()
			st, err := postgres.NewStore(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := seed(ctx, st, sf, cfg.Auth.BcryptCost, logger); err != nil {
				return err
			}

			// Живые инстансы перечитают правила и реестр
			if cfg.Redis.Addr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
				defer rdb.Close()
				infra.Publish(ctx, rdb, logger, infra.RedisChanRulesUpdate, "seed")
				infra.Publish(ctx, rdb, logger, infra.RedisChanScorersUpdate, "seed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "configs/seed.yaml", "seed file")
	return cmd
}

type seedStore interface {
	GetRule(ctx context.Context, id string) (*domain.Rule, error)
	CreateRule(ctx context.Context, r *domain.Rule) error
	UpdateRule(ctx context.Context, r *domain.Rule) error
	CreateScorer(ctx context.Context, s *domain.Scorer) error
	CreateOperator(ctx context.Context, op *domain.Operator) error
}

// seed повторный запуск безопасен: правила обновляются, существующие модели пропускаются.
func seed(ctx context.Context, st seedStore, sf seedFile, bcryptCost int, logger *zap.Logger) error {
	now := time.Now().UTC()

	for i := range sf.Rules {
		r := sf.Rules[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Family == "" {
			r.Family = domain.DefaultRuleFamily
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.UpdatedAt = now
		existing, err := st.GetRule(ctx, r.ID)
		switch {
		case err == nil:
			r.CreatedAt = existing.CreatedAt
			err = st.UpdateRule(ctx, &r)
		case errors.Is(err, domain.ErrNotFound):
			r.CreatedAt = now
			err = st.CreateRule(ctx, &r)
		}
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	logger.Info("rules seeded", zap.Int("count", len(sf.Rules)))

	for i := range sf.Scorers {
		s := sf.Scorers[i]
		if s.Status == "" {
			s.Status = domain.DeployDevelopment
		}
		s.CreatedAt, s.UpdatedAt = now, now
		if err := st.CreateScorer(ctx, &s); err != nil {
			if errors.Is(err, domain.ErrConflictingDeployment) {
				logger.Info("scorer already registered, skipped", zap.String("scorer_id", s.ID))
				continue
			}
			return fmt.Errorf("scorer %s: %w", s.ID, err)
		}
	}
	logger.Info("scorers seeded", zap.Int("count", len(sf.Scorers)))

	for _, o := range sf.Operators {
		hash, err := service.HashPassword(o.Password, bcryptCost)
		if err != nil {
			return fmt.Errorf("operator %s: %w", o.Username, err)
		}
		scopes := make(map[string]bool, len(o.Scopes))
		for _, s := range o.Scopes {
			scopes[s] = true
		}
		op := &domain.Operator{ID: uuid.NewString(), Username: o.Username, PasswordHash: hash, Scopes: scopes, CreatedAt: now}
		if err := st.CreateOperator(ctx, op); err != nil {
			return fmt.Errorf("operator %s: %w", o.Username, err)
		}
	}
	logger.Info("operators seeded", zap.Int("count", len(sf.Operators)))
	return nil
}
