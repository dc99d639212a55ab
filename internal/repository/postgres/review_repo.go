package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/riskgate/internal/domain"
)

const reviewColumns = `outcome_id, user_id, risk_score, reason, status, reviewer_id, comment, created_at, updated_at`

func scanReview(row pgx.Row) (domain.ReviewItem, error) {
	var it domain.ReviewItem
	var reviewer, comment sql.NullString
	err := row.Scan(&it.OutcomeID, &it.UserID, &it.RiskScore, &it.Reason, &it.Status,
		&reviewer, &comment, &it.CreatedAt, &it.UpdatedAt)
	if reviewer.Valid {
		it.ReviewerID = &reviewer.String
	}
	if comment.Valid {
		it.Comment = &comment.String
	}
	return it, err
}

// CreateReview идемпотентна: заявка на одно решение создается один раз.
func (s *Store) CreateReview(ctx context.Context, item *domain.ReviewItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO review_items (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (outcome_id) DO NOTHING`,
		item.OutcomeID, item.UserID, item.RiskScore, item.Reason, item.Status,
		item.ReviewerID, item.Comment, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create review: %w", err)
	}
	return nil
}

func (s *Store) GetReview(ctx context.Context, outcomeID string) (*domain.ReviewItem, error) {
	it, err := scanReview(s.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE outcome_id = $1`, outcomeID))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("review", outcomeID)
		}
		return nil, fmt.Errorf("postgres: get review: %w", err)
	}
	return &it, nil
}

// ListReviews пустой status означает все заявки.
func (s *Store) ListReviews(ctx context.Context, status domain.ReviewStatus) ([]domain.ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_items`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query reviews: %w", err)
	}
	defer rows.Close()

	results := make([]domain.ReviewItem, 0)
	for rows.Next() {
		it, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan review: %w", err)
		}
		results = append(results, it)
	}
	return results, rows.Err()
}

// UpdateReview CAS по статусу: при гонке ревьюеров выигрывает первый.
func (s *Store) UpdateReview(ctx context.Context, item *domain.ReviewItem, expected domain.ReviewStatus) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE review_items SET status = $3, reviewer_id = $4, comment = $5, updated_at = $6
		WHERE outcome_id = $1 AND status = $2`,
		item.OutcomeID, expected, item.Status, item.ReviewerID, item.Comment, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to update review: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetReview(ctx, item.OutcomeID); err != nil {
			return err
		}
		return domain.ErrAlreadyProcessed
	}
	return nil
}

func (s *Store) CreateChallenge(ctx context.Context, c *domain.Challenge) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO challenges (outcome_id, user_id, result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (outcome_id) DO NOTHING`,
		c.OutcomeID, c.UserID, c.Result, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create challenge: %w", err)
	}
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, outcomeID string) (*domain.Challenge, error) {
	var c domain.Challenge
	err := s.pool.QueryRow(ctx, `
		SELECT outcome_id, user_id, result, created_at, updated_at FROM challenges WHERE outcome_id = $1`,
		outcomeID).Scan(&c.OutcomeID, &c.UserID, &c.Result, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("challenge", outcomeID)
		}
		return nil, fmt.Errorf("postgres: get challenge: %w", err)
	}
	return &c, nil
}

func (s *Store) UpdateChallenge(ctx context.Context, c *domain.Challenge, expected domain.ChallengeResult) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE challenges SET result = $3, updated_at = $4 WHERE outcome_id = $1 AND result = $2`,
		c.OutcomeID, expected, c.Result, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to update challenge: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetChallenge(ctx, c.OutcomeID); err != nil {
			return err
		}
		return domain.ErrAlreadyProcessed
	}
	return nil
}
