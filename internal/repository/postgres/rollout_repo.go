package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/riskgate/internal/domain"
)

const rolloutColumns = `id, kind, model_family, stable, candidate, weight, step, status, thresholds,
	violations, reason, winner, comparison, version, created_at, updated_at, completed_at`

type rolloutRow struct {
	stable, candidate, thresholds, comparison []byte
}

func encodeRollout(r *domain.Rollout) (rolloutRow, error) {
	var rr rolloutRow
	var err error
	if rr.stable, err = json.Marshal(r.Stable); err != nil {
		return rr, err
	}
	if rr.candidate, err = json.Marshal(r.Candidate); err != nil {
		return rr, err
	}
	if rr.thresholds, err = json.Marshal(r.Thresholds); err != nil {
		return rr, err
	}
	if r.Comparison != nil {
		if rr.comparison, err = json.Marshal(r.Comparison); err != nil {
			return rr, err
		}
	}
	return rr, nil
}

func scanRollout(row pgx.Row) (*domain.Rollout, error) {
	var r domain.Rollout
	var rr rolloutRow
	var completed *time.Time
	err := row.Scan(&r.ID, &r.Kind, &r.ModelFamily, &rr.stable, &rr.candidate, &r.Weight, &r.Step, &r.Status,
		&rr.thresholds, &r.Violations, &r.Reason, &r.Winner, &rr.comparison, &r.Version,
		&r.CreatedAt, &r.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rr.stable, &r.Stable); err != nil {
		return nil, fmt.Errorf("postgres: rollout %s stable: %w", r.ID, err)
	}
	if err := json.Unmarshal(rr.candidate, &r.Candidate); err != nil {
		return nil, fmt.Errorf("postgres: rollout %s candidate: %w", r.ID, err)
	}
	if err := json.Unmarshal(rr.thresholds, &r.Thresholds); err != nil {
		return nil, fmt.Errorf("postgres: rollout %s thresholds: %w", r.ID, err)
	}
	if len(rr.comparison) > 0 {
		r.Comparison = &domain.Comparison{}
		if err := json.Unmarshal(rr.comparison, r.Comparison); err != nil {
			return nil, fmt.Errorf("postgres: rollout %s comparison: %w", r.ID, err)
		}
	}
	r.CompletedAt = completed
	return &r, nil
}

// CreateRollout опирается на частичный уникальный индекс: вторая активная
// раскатка на семейство отсекается самой базой.
func (s *Store) CreateRollout(ctx context.Context, r *domain.Rollout) error {
	rr, err := encodeRollout(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rollouts (`+rolloutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.Kind, r.ModelFamily, rr.stable, rr.candidate, r.Weight, r.Step, r.Status, rr.thresholds,
		r.Violations, r.Reason, r.Winner, rr.comparison, r.Version, r.CreatedAt, r.UpdatedAt, r.CompletedAt)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("%w: %s", domain.ErrRolloutActive, r.ModelFamily)
		}
		return fmt.Errorf("postgres: failed to create rollout: %w", err)
	}
	return nil
}

// UpdateRollout оптимистичная запись: строка меняется только если version = prevVersion.
func (s *Store) UpdateRollout(ctx context.Context, r *domain.Rollout, prevVersion int64) error {
	rr, err := encodeRollout(r)
	if err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE rollouts
		SET weight = $3, step = $4, status = $5, thresholds = $6, violations = $7, reason = $8,
		    winner = $9, comparison = $10, version = $11, updated_at = $12, completed_at = $13
		WHERE id = $1 AND version = $2`,
		r.ID, prevVersion, r.Weight, r.Step, r.Status, rr.thresholds, r.Violations, r.Reason,
		r.Winner, rr.comparison, r.Version, r.UpdatedAt, r.CompletedAt)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("%w: %s", domain.ErrRolloutActive, r.ModelFamily)
		}
		return fmt.Errorf("postgres: failed to update rollout: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	var cur int64
	err = s.pool.QueryRow(ctx, `SELECT version FROM rollouts WHERE id = $1`, r.ID).Scan(&cur)
	if isNoRows(err) {
		return notFound("rollout", r.ID)
	}
	if err != nil {
		return fmt.Errorf("postgres: read rollout version: %w", err)
	}
	return fmt.Errorf("%w: rollout %s is at version %d, expected %d", domain.ErrStaleRolloutState, r.ID, cur, prevVersion)
}

func (s *Store) GetRollout(ctx context.Context, id string) (*domain.Rollout, error) {
	r, err := scanRollout(s.pool.QueryRow(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("rollout", id)
		}
		return nil, fmt.Errorf("postgres: get rollout: %w", err)
	}
	return r, nil
}

func (s *Store) ListRollouts(ctx context.Context) ([]*domain.Rollout, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+rolloutColumns+` FROM rollouts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query rollouts: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Rollout, 0)
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan rollout: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// AppendSnapshots пишет пачку снимков одним INSERT.
func (s *Store) AppendSnapshots(ctx context.Context, snaps []domain.VariantSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	const cols = 9
	var sb strings.Builder
	sb.WriteString(`INSERT INTO variant_snapshots
		(rollout_id, variant, at, window_sec, count, errors, success_rate, error_rate, p95_latency_ms) VALUES `)
	args := make([]any, 0, len(snaps)*cols)
	for i, sn := range snaps {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args, sn.RolloutID, sn.Variant, sn.At, sn.WindowSec, sn.Count, sn.Errors,
			sn.SuccessRate, sn.ErrorRate, sn.P95LatencyMs)
	}
	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("postgres: failed to append snapshots: %w", err)
	}
	return nil
}

// ListSnapshots последние limit снимков раскатки в хронологическом порядке.
func (s *Store) ListSnapshots(ctx context.Context, rolloutID string, limit int) ([]domain.VariantSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT rollout_id, variant, at, window_sec, count, errors, success_rate, error_rate, p95_latency_ms
		FROM (
			SELECT * FROM variant_snapshots WHERE rollout_id = $1 ORDER BY id DESC LIMIT $2
		) last ORDER BY id`, rolloutID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query snapshots: %w", err)
	}
	defer rows.Close()

	results := make([]domain.VariantSnapshot, 0)
	for rows.Next() {
		var sn domain.VariantSnapshot
		if err := rows.Scan(&sn.RolloutID, &sn.Variant, &sn.At, &sn.WindowSec, &sn.Count, &sn.Errors,
			&sn.SuccessRate, &sn.ErrorRate, &sn.P95LatencyMs); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan snapshot: %w", err)
		}
		results = append(results, sn)
	}
	return results, rows.Err()
}

// writePlaceholders дописывает группу ($n+1, ..., $n+cols).
func writePlaceholders(sb *strings.Builder, offset, cols int) {
	sb.WriteByte('(')
	for c := 1; c <= cols; c++ {
		if c > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "$%d", offset+c)
	}
	sb.WriteByte(')')
}
