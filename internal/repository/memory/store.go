// Package memory хранилище в памяти процесса: тесты и локальный запуск без Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/riskgate/internal/domain"
)

type Store struct {
	mu         sync.RWMutex
	rules      map[string]domain.Rule
	scorers    map[string]domain.Scorer
	rollouts   map[string]*domain.Rollout
	snapshots  map[string][]domain.VariantSnapshot
	outcomes   map[string]domain.DecisionOutcome
	reviews    map[string]domain.ReviewItem
	challenges map[string]domain.Challenge
	operators  map[string]domain.Operator
}

func NewStore() *Store {
	return &Store{
		rules:      make(map[string]domain.Rule),
		scorers:    make(map[string]domain.Scorer),
		rollouts:   make(map[string]*domain.Rollout),
		snapshots:  make(map[string][]domain.VariantSnapshot),
		outcomes:   make(map[string]domain.DecisionOutcome),
		reviews:    make(map[string]domain.ReviewItem),
		challenges: make(map[string]domain.Challenge),
		operators:  make(map[string]domain.Operator),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

// --- Rules ---

func (s *Store) ListRules(_ context.Context) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetRule(_ context.Context, id string) (*domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, notFound("rule", id)
	}
	return &r, nil
}

func (s *Store) CreateRule(_ context.Context, r *domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return fmt.Errorf("rule %s already exists", r.ID)
	}
	s.rules[r.ID] = *r
	return nil
}

func (s *Store) UpdateRule(_ context.Context, r *domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return notFound("rule", r.ID)
	}
	s.rules[r.ID] = *r
	return nil
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return notFound("rule", id)
	}
	delete(s.rules, id)
	return nil
}

// --- Scorers ---

func (s *Store) ListScorers(_ context.Context) ([]domain.Scorer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Scorer, 0, len(s.scorers))
	for _, sc := range s.scorers {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateScorer(_ context.Context, sc *domain.Scorer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scorers[sc.ID]; ok {
		return fmt.Errorf("%w: scorer %s already exists", domain.ErrConflictingDeployment, sc.ID)
	}
	s.scorers[sc.ID] = *sc
	return nil
}

// PutScorer пишет скорер как есть, в обход жизненного цикла. Нужен для фикстур.
func (s *Store) PutScorer(sc domain.Scorer) {
	s.mu.Lock()
	s.scorers[sc.ID] = sc
	s.mu.Unlock()
}

func (s *Store) ApplyTransitions(_ context.Context, ts []domain.StatusTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ts {
		sc, ok := s.scorers[t.ScorerID]
		if !ok {
			return notFound("scorer", t.ScorerID)
		}
		if sc.Status != t.From {
			return fmt.Errorf("%w: scorer %s is %s, expected %s", domain.ErrConflictingDeployment, t.ScorerID, sc.Status, t.From)
		}
	}
	for _, t := range ts {
		sc := s.scorers[t.ScorerID]
		sc.Status = t.To
		sc.UpdatedAt = t.At
		s.scorers[t.ScorerID] = sc
	}
	return nil
}

// --- Rollouts ---

func (s *Store) CreateRollout(_ context.Context, r *domain.Rollout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rollouts[r.ID]; ok {
		return fmt.Errorf("rollout %s already exists", r.ID)
	}
	s.rollouts[r.ID] = r.Clone()
	return nil
}

// UpdateRollout оптимистичная запись: сохраненная версия должна быть prevVersion.
func (s *Store) UpdateRollout(_ context.Context, r *domain.Rollout, prevVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rollouts[r.ID]
	if !ok {
		return notFound("rollout", r.ID)
	}
	if cur.Version != prevVersion {
		return fmt.Errorf("%w: rollout %s is at version %d, expected %d", domain.ErrStaleRolloutState, r.ID, cur.Version, prevVersion)
	}
	s.rollouts[r.ID] = r.Clone()
	return nil
}

func (s *Store) GetRollout(_ context.Context, id string) (*domain.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rollouts[id]
	if !ok {
		return nil, notFound("rollout", id)
	}
	return r.Clone(), nil
}

func (s *Store) ListRollouts(_ context.Context) ([]*domain.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Rollout, 0, len(s.rollouts))
	for _, r := range s.rollouts {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Snapshots ---

func (s *Store) AppendSnapshots(_ context.Context, snaps []domain.VariantSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sn := range snaps {
		s.snapshots[sn.RolloutID] = append(s.snapshots[sn.RolloutID], sn)
	}
	return nil
}

// ListSnapshots последние limit снимков раскатки в хронологическом порядке.
func (s *Store) ListSnapshots(_ context.Context, rolloutID string, limit int) ([]domain.VariantSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.snapshots[rolloutID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.VariantSnapshot, len(all))
	copy(out, all)
	return out, nil
}

// --- Outcomes ---

// SaveOutcome идемпотентна: повторная запись того же ID ничего не меняет.
func (s *Store) SaveOutcome(_ context.Context, o *domain.DecisionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outcomes[o.ID]; ok {
		return nil
	}
	cp := *o
	cp.Factors = append([]domain.RiskFactor(nil), o.Factors...)
	s.outcomes[o.ID] = cp
	return nil
}

func (s *Store) SaveOutcomes(ctx context.Context, list []*domain.DecisionOutcome) error {
	for _, o := range list {
		if err := s.SaveOutcome(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetOutcome(_ context.Context, id string) (*domain.DecisionOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[id]
	if !ok {
		return nil, notFound("outcome", id)
	}
	return &o, nil
}

// --- Reviews ---

func (s *Store) CreateReview(_ context.Context, item *domain.ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reviews[item.OutcomeID]; ok {
		return nil
	}
	s.reviews[item.OutcomeID] = *item
	return nil
}

func (s *Store) GetReview(_ context.Context, outcomeID string) (*domain.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.reviews[outcomeID]
	if !ok {
		return nil, notFound("review", outcomeID)
	}
	return &it, nil
}

func (s *Store) ListReviews(_ context.Context, status domain.ReviewStatus) ([]domain.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReviewItem, 0)
	for _, it := range s.reviews {
		if status == "" || it.Status == status {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateReview CAS по статусу: если заявку уже обработали, ErrAlreadyProcessed.
func (s *Store) UpdateReview(_ context.Context, item *domain.ReviewItem, expected domain.ReviewStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reviews[item.OutcomeID]
	if !ok {
		return notFound("review", item.OutcomeID)
	}
	if cur.Status != expected {
		return domain.ErrAlreadyProcessed
	}
	s.reviews[item.OutcomeID] = *item
	return nil
}

// --- Challenges ---

func (s *Store) CreateChallenge(_ context.Context, c *domain.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[c.OutcomeID]; ok {
		return nil
	}
	s.challenges[c.OutcomeID] = *c
	return nil
}

func (s *Store) GetChallenge(_ context.Context, outcomeID string) (*domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[outcomeID]
	if !ok {
		return nil, notFound("challenge", outcomeID)
	}
	return &c, nil
}

func (s *Store) UpdateChallenge(_ context.Context, c *domain.Challenge, expected domain.ChallengeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.challenges[c.OutcomeID]
	if !ok {
		return notFound("challenge", c.OutcomeID)
	}
	if cur.Result != expected {
		return domain.ErrAlreadyProcessed
	}
	s.challenges[c.OutcomeID] = *c
	return nil
}

// --- Operators ---

func (s *Store) GetOperatorByUsername(_ context.Context, username string) (*domain.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.operators {
		if op.Username == username {
			cp := op
			return &cp, nil
		}
	}
	return nil, notFound("operator", username)
}

// CreateOperator upsert по username: повторный сид меняет пароль и scopes, ID сохраняется.
func (s *Store) CreateOperator(_ context.Context, op *domain.Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.operators {
		if cur.Username == op.Username {
			op.ID = id
			break
		}
	}
	s.operators[op.ID] = *op
	return nil
}
