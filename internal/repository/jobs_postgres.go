package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/docpipe/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{`
	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		status        TEXT NOT NULL,
		result        TEXT NULL,
		error_code    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		page_count    INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS documents_status_updated_idx ON documents (status, updated_at)`,
}

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(ctx context.Context, databaseURL string) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	for _, statement := range postgresSchema {
		if _, err := pool.Exec(ctx, statement); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure pg schema: %w", err)
		}
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents (
			id,
			name,
			status,
			result,
			error_code,
			error_message,
			page_count,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		job.ID,
		job.Name,
		string(job.Status),
		job.Result,
		job.ErrorCode,
		job.ErrorMessage,
		job.PageCount,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) error {
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = time.Now().UTC()
	}
	command, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2,
			result = COALESCE($3, result),
			error_code = COALESCE($4, error_code),
			error_message = COALESCE($5, error_message),
			page_count = COALESCE($6, page_count),
			updated_at = $7
		WHERE id = $1 AND status = ANY($8)
	`,
		jobID,
		string(update.Status),
		update.Result,
		update.ErrorCode,
		update.ErrorMessage,
		update.PageCount,
		update.UpdatedAt,
		statusStrings(domain.Predecessors(update.Status)),
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if command.RowsAffected() == 0 {
		return resolveRejectedUpdate(ctx, r, jobID)
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanPostgresJob(r.pool.QueryRow(ctx, `
		SELECT id, name, status, result, error_code, error_message, page_count, created_at, updated_at
		FROM documents
		WHERE id = $1
	`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query document: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) ListStale(
	ctx context.Context,
	status domain.JobStatus,
	before time.Time,
	limit int,
) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, status, result, error_code, error_message, page_count, created_at, updated_at
		FROM documents
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(status), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale documents: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale document: %w", err)
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate stale documents: %w", rows.Err())
	}
	return items, nil
}

func scanPostgresJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
		result *string
	)
	err := row.Scan(
		&job.ID,
		&job.Name,
		&status,
		&result,
		&job.ErrorCode,
		&job.ErrorMessage,
		&job.PageCount,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.Result = result
	return &job, nil
}
