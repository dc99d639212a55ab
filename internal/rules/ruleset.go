package rules

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra"
	"go.uber.org/zap"
)

type RuleRepository interface {
	ListRules(ctx context.Context) ([]domain.Rule, error)
}

// Snapshot неизменяемый срез активных правил, сгруппированных по семействам.
// Оценка идет по снапшоту, взятому в начале, поэтому переключение правила не рвет
// уже идущую оценку.
type Snapshot struct {
	version  int64
	builtAt  time.Time
	families map[string][]compiledRule
}

// BuildSnapshot компилирует правила. Неактивные отбрасываются, порядок по приоритету.
func BuildSnapshot(list []domain.Rule, version int64) (*Snapshot, error) {
	s := &Snapshot{version: version, builtAt: time.Now(), families: make(map[string][]compiledRule)}
	for _, r := range list {
		if !r.Active {
			continue
		}
		cr, err := compile(r)
		if err != nil {
			return nil, err
		}
		s.families[cr.rule.Family] = append(s.families[cr.rule.Family], cr)
	}
	for _, fam := range s.families {
		sort.SliceStable(fam, func(i, j int) bool {
			if fam[i].rule.Priority != fam[j].rule.Priority {
				return fam[i].rule.Priority < fam[j].rule.Priority
			}
			return fam[i].rule.ID < fam[j].rule.ID
		})
	}
	return s, nil
}

func (s *Snapshot) Version() int64 { return s.version }

// Rules активные правила семейства в порядке оценки.
func (s *Snapshot) Rules(family string) []domain.Rule {
	out := make([]domain.Rule, 0, len(s.families[family]))
	for _, cr := range s.families[family] {
		out = append(out, cr.rule)
	}
	return out
}

// Evaluate прогоняет все активные правила семейства. Вклады аддитивные: срабатывают все
// совпавшие правила, а не первое.
func (s *Snapshot) Evaluate(family string, in Input) []domain.RiskFactor {
	var factors []domain.RiskFactor
	for _, cr := range s.families[family] {
		ok, meta := cr.matches(in)
		if !ok {
			continue
		}
		if meta == nil {
			meta = map[string]any{}
		}
		meta["kind"] = string(cr.rule.Condition.Kind)
		meta["priority"] = cr.rule.Priority
		desc := cr.rule.Description
		if desc == "" {
			desc = cr.rule.Name
		}
		factors = append(factors, domain.RiskFactor{
			Type:         domain.FactorRule,
			Source:       cr.rule.ID,
			Contribution: cr.rule.Score,
			Description:  desc,
			Metadata:     meta,
		})
	}
	return factors
}

// Set держит текущий снапшот за атомарным указателем. Читатели никогда не блокируются,
// писатель публикует новый снапшот только после валидации.
type Set struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
	repo    RuleRepository
	logger  *zap.Logger
}

func NewSet(repo RuleRepository, logger *zap.Logger) *Set {
	s := &Set{repo: repo, logger: logger.Named("rules")}
	empty, _ := BuildSnapshot(nil, 0)
	s.current.Store(empty)
	return s
}

// Snapshot горячий путь: одно атомарное чтение.
func (s *Set) Snapshot() *Snapshot {
	return s.current.Load()
}

// Publish валидирует и атомарно подменяет набор правил.
func (s *Set) Publish(list []domain.Rule) error {
	snap, err := BuildSnapshot(list, s.version.Add(1))
	if err != nil {
		return err
	}
	s.current.Store(snap)
	return nil
}

// Refresh холодная загрузка правил из хранилища. Битые правила пропускаем, чтобы одно
// неудачное редактирование не остановило весь набор.
func (s *Set) Refresh(ctx context.Context) error {
	list, err := s.repo.ListRules(ctx)
	if err != nil {
		return err
	}
	valid := list[:0:0]
	for _, r := range list {
		if err := r.Validate(); err != nil {
			s.logger.Error("skipping invalid rule", zap.String("rule_id", r.ID), zap.Error(err))
			continue
		}
		valid = append(valid, r)
	}
	if err := s.Publish(valid); err != nil {
		return err
	}
	s.logger.Info("rule set refreshed", zap.Int("count", len(valid)), zap.Int64("version", s.Snapshot().Version()))
	return nil
}

// StartListener перечитывает правила по сигналу консоли из Redis.
func (s *Set) StartListener(ctx context.Context, rdb *redis.Client) {
	infra.ListenResilient(ctx, rdb, s.logger, infra.RedisChanRulesUpdate,
		func() error { return s.Refresh(ctx) },
		func(string) {
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("rule refresh failed", zap.Error(err))
			}
		},
	)
}
