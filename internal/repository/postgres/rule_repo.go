package postgres

/*
Файл rule_repo.go хранит правила скоринга. Горячий путь их отсюда не читает:
набор правил живет в памяти инстанса и перечитывается по сигналу из Redis.
*/

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/riskgate/internal/domain"
)

const ruleColumns = `id, name, family, priority, active, condition, score, description, created_at, updated_at`

func scanRule(row pgx.Row) (domain.Rule, error) {
	var r domain.Rule
	var cond []byte
	err := row.Scan(&r.ID, &r.Name, &r.Family, &r.Priority, &r.Active, &cond, &r.Score, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(cond, &r.Condition); err != nil {
		return r, fmt.Errorf("postgres: rule %s condition: %w", r.ID, err)
	}
	return r, nil
}

// ListRules холодная загрузка всех правил в порядке оценки.
func (s *Store) ListRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query rules: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan rule: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (s *Store) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("rule", id)
		}
		return nil, fmt.Errorf("postgres: get rule: %w", err)
	}
	return &r, nil
}

func (s *Store) CreateRule(ctx context.Context, r *domain.Rule) error {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rules (id, name, family, priority, active, condition, score, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Name, r.Family, r.Priority, r.Active, cond, r.Score, r.Description, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("rule %s already exists", r.ID)
		}
		return fmt.Errorf("postgres: failed to create rule: %w", err)
	}
	return nil
}

func (s *Store) UpdateRule(ctx context.Context, r *domain.Rule) error {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE rules
		SET name = $2, family = $3, priority = $4, active = $5, condition = $6, score = $7, description = $8, updated_at = $9
		WHERE id = $1`,
		r.ID, r.Name, r.Family, r.Priority, r.Active, cond, r.Score, r.Description, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to update rule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return notFound("rule", r.ID)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete rule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return notFound("rule", id)
	}
	return nil
}
