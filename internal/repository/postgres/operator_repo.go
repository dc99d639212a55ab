package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/riskgate/internal/domain"
)

// GetOperatorByUsername используется при логине в консоль.
func (s *Store) GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error) {
	var op domain.Operator
	var scopes []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, scopes, created_at FROM operators WHERE username = $1`,
		username).Scan(&op.ID, &op.Username, &op.PasswordHash, &scopes, &op.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("operator", username)
		}
		return nil, fmt.Errorf("postgres: get operator: %w", err)
	}
	if err := json.Unmarshal(scopes, &op.Scopes); err != nil {
		return nil, fmt.Errorf("postgres: operator %s scopes: %w", op.ID, err)
	}
	return &op, nil
}

// CreateOperator upsert по username: повторный seed обновляет пароль и права.
func (s *Store) CreateOperator(ctx context.Context, op *domain.Operator) error {
	scopes, err := json.Marshal(op.Scopes)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO operators (id, username, password_hash, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash, scopes = EXCLUDED.scopes`,
		op.ID, op.Username, op.PasswordHash, scopes, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create operator: %w", err)
	}
	return nil
}
