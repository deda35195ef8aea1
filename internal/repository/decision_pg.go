package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/streamgate/paygate/internal/model"
)

type PostgresDecisionRepo struct {
	db *sqlx.DB
}

func NewPostgresDecisionRepo(ctx context.Context, db *sqlx.DB) (*PostgresDecisionRepo, error) {
	repo := &PostgresDecisionRepo{db: db}
	if err := repo.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *PostgresDecisionRepo) Insert(ctx context.Context, entry *model.Decision) error {
	if entry == nil {
		return nil
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO decisions (
			id, seller_id, buyer_id, provider, result,
			remaining_ms, timed_out, error, latency_ms, created_at
		) VALUES (
			:id, :seller_id, :buyer_id, :provider, :result,
			:remaining_ms, :timed_out, :error, :latency_ms, :created_at
		)
		ON CONFLICT (id) DO NOTHING
	`, entry)
	return err
}

func (r *PostgresDecisionRepo) List(ctx context.Context, buyerID string, limit int, from, to *time.Time) ([]*model.Decision, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, seller_id, buyer_id, provider, result, remaining_ms, timed_out, error, latency_ms, created_at FROM decisions`
	clauses := []string{}
	args := []interface{}{}
	idx := 1

	if buyerID != "" {
		clauses = append(clauses, fmt.Sprintf("buyer_id = $%d", idx))
		args = append(args, buyerID)
		idx++
	}
	if from != nil {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, *from)
		idx++
	}
	if to != nil {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, *to)
		idx++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	records := make([]*model.Decision, 0, limit)
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *PostgresDecisionRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL,
			buyer_id TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL,
			remaining_ms BIGINT NOT NULL DEFAULT 0,
			timed_out BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_decisions_buyer ON decisions(buyer_id, created_at DESC)`)
	return nil
}

func (r *PostgresDecisionRepo) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := r.db.ExecContext(ctx, `DELETE FROM decisions WHERE created_at < $1`, cutoff)
	return err
}
