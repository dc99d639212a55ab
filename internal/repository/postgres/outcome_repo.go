package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/riskgate/internal/domain"
)

const outcomeColumns = `id, transaction_id, user_id, risk_score, risk_level, status, evaluation_time_ms,
	factors, variant, scorer_score, degraded, degraded_reason, review_queued, pending_reconciliation, created_at`

const outcomeCols = 15

func outcomeArgs(o *domain.DecisionOutcome) ([]any, error) {
	factors := o.Factors
	if factors == nil {
		factors = []domain.RiskFactor{}
	}
	fb, err := json.Marshal(factors)
	if err != nil {
		return nil, err
	}
	vb, err := json.Marshal(o.Variant)
	if err != nil {
		return nil, err
	}
	return []any{
		o.ID, o.TransactionID, o.UserID, o.RiskScore, o.RiskLevel, o.Status, o.EvaluationTimeMs,
		fb, vb, o.ScorerScore, o.DegradedScoring, o.DegradedReason, o.ReviewQueued, o.PendingReconciliation, o.CreatedAt,
	}, nil
}

// SaveOutcome идемпотентна: повтор того же ID после ретрая журнала ничего не меняет.
func (s *Store) SaveOutcome(ctx context.Context, o *domain.DecisionOutcome) error {
	return s.SaveOutcomes(ctx, []*domain.DecisionOutcome{o})
}

// SaveOutcomes пишет пачку решений одним INSERT ... ON CONFLICT DO NOTHING.
func (s *Store) SaveOutcomes(ctx context.Context, list []*domain.DecisionOutcome) error {
	if len(list) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO decision_outcomes (` + outcomeColumns + `) VALUES `)
	args := make([]any, 0, len(list)*outcomeCols)
	for i, o := range list {
		a, err := outcomeArgs(o)
		if err != nil {
			return fmt.Errorf("postgres: encode outcome %s: %w", o.ID, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*outcomeCols, outcomeCols)
		args = append(args, a...)
	}
	sb.WriteString(` ON CONFLICT (id) DO NOTHING`)

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("postgres: failed to save outcomes: %w", err)
	}
	return nil
}

func (s *Store) GetOutcome(ctx context.Context, id string) (*domain.DecisionOutcome, error) {
	var o domain.DecisionOutcome
	var fb, vb []byte
	err := s.pool.QueryRow(ctx, `SELECT `+outcomeColumns+` FROM decision_outcomes WHERE id = $1`, id).Scan(
		&o.ID, &o.TransactionID, &o.UserID, &o.RiskScore, &o.RiskLevel, &o.Status, &o.EvaluationTimeMs,
		&fb, &vb, &o.ScorerScore, &o.DegradedScoring, &o.DegradedReason, &o.ReviewQueued, &o.PendingReconciliation, &o.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("outcome", id)
		}
		return nil, fmt.Errorf("postgres: get outcome: %w", err)
	}
	if err := json.Unmarshal(fb, &o.Factors); err != nil {
		return nil, fmt.Errorf("postgres: outcome %s factors: %w", id, err)
	}
	if err := json.Unmarshal(vb, &o.Variant); err != nil {
		return nil, fmt.Errorf("postgres: outcome %s variant: %w", id, err)
	}
	return &o, nil
}
