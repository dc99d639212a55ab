package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/riskgate/internal/domain"
)

func (s *Store) ListScorers(ctx context.Context) ([]domain.Scorer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, family, version, endpoint, status, metrics, created_at, updated_at
		FROM scorers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query scorers: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Scorer, 0)
	for rows.Next() {
		var sc domain.Scorer
		var metrics []byte
		if err := rows.Scan(&sc.ID, &sc.Family, &sc.Version, &sc.Endpoint, &sc.Status, &metrics, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan scorer: %w", err)
		}
		if err := json.Unmarshal(metrics, &sc.Metrics); err != nil {
			return nil, fmt.Errorf("postgres: scorer %s metrics: %w", sc.ID, err)
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (s *Store) CreateScorer(ctx context.Context, sc *domain.Scorer) error {
	metrics, err := json.Marshal(sc.Metrics)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scorers (id, family, version, endpoint, status, metrics, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sc.ID, sc.Family, sc.Version, sc.Endpoint, sc.Status, metrics, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("%w: scorer %s already exists", domain.ErrConflictingDeployment, sc.ID)
		}
		return fmt.Errorf("postgres: failed to create scorer: %w", err)
	}
	return nil
}

// ApplyTransitions CAS по статусу для пачки скореров в одной транзакции.
// Освобождающие слот переходы идут первыми, иначе частичные уникальные индексы
// увидят два production в середине повышения.
func (s *Store) ApplyTransitions(ctx context.Context, ts []domain.StatusTransition) error {
	ordered := make([]domain.StatusTransition, len(ts))
	copy(ordered, ts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return !claimsSlot(ordered[i].To) && claimsSlot(ordered[j].To)
	})

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, t := range ordered {
			ct, err := tx.Exec(ctx,
				`UPDATE scorers SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
				t.ScorerID, t.From, t.To, t.At)
			if err != nil {
				if isUnique(err) {
					return fmt.Errorf("%w: %s slot in family already taken", domain.ErrConflictingDeployment, t.To)
				}
				return fmt.Errorf("postgres: failed to update scorer status: %w", err)
			}
			if ct.RowsAffected() == 0 {
				var cur domain.DeploymentStatus
				err := tx.QueryRow(ctx, `SELECT status FROM scorers WHERE id = $1`, t.ScorerID).Scan(&cur)
				if isNoRows(err) {
					return notFound("scorer", t.ScorerID)
				}
				return fmt.Errorf("%w: scorer %s is %s, expected %s", domain.ErrConflictingDeployment, t.ScorerID, cur, t.From)
			}
		}
		return nil
	})
}

func claimsSlot(st domain.DeploymentStatus) bool {
	return st == domain.DeployProduction || st == domain.DeployCanary
}
