package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iago/docpipe/internal/domain"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		status        TEXT NOT NULL,
		result        TEXT NULL,
		error_code    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		page_count    INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS documents_status_updated_idx ON documents (status, updated_at);
`

const sqliteColumns = `id, name, status, result, error_code, error_message, page_count, created_at, updated_at`

// SQLiteJobsRepository is a single-node status store for deployments without Postgres.
type SQLiteJobsRepository struct {
	db *sql.DB
}

// NewSQLiteJobsRepository opens (or creates) the database at dsn and applies the schema.
func NewSQLiteJobsRepository(ctx context.Context, dsn string) (*SQLiteJobsRepository, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// journal_mode is stored in the database file, so one connection is enough.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &SQLiteJobsRepository{db: db}, nil
}

// sqliteDSN adds the busy timeout as a connection parameter so the driver
// applies it to every pooled connection.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + "_pragma=busy_timeout(5000)"
}

func (r *SQLiteJobsRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := r.execWithRetry(ctx, `
		INSERT INTO documents (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Name,
		string(job.Status),
		job.Result,
		job.ErrorCode,
		job.ErrorMessage,
		job.PageCount,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *SQLiteJobsRepository) UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) error {
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = time.Now().UTC()
	}
	predecessors := statusStrings(domain.Predecessors(update.Status))
	if len(predecessors) == 0 {
		return resolveRejectedUpdate(ctx, r, jobID)
	}

	args := []any{
		string(update.Status),
		update.Result,
		update.ErrorCode,
		update.ErrorMessage,
		update.PageCount,
		formatTime(update.UpdatedAt),
		jobID,
	}
	for _, status := range predecessors {
		args = append(args, status)
	}

	res, err := r.execWithRetry(ctx, `
		UPDATE documents
		SET status = ?,
			result = COALESCE(?, result),
			error_code = COALESCE(?, error_code),
			error_message = COALESCE(?, error_message),
			page_count = COALESCE(?, page_count),
			updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(predecessors))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document rows: %w", err)
	}
	if affected == 0 {
		return resolveRejectedUpdate(ctx, r, jobID)
	}
	return nil
}

func (r *SQLiteJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM documents WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	return job, nil
}

func (r *SQLiteJobsRepository) ListStale(
	ctx context.Context,
	status domain.JobStatus,
	before time.Time,
	limit int,
) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM documents
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?
	`, string(status), formatTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale documents: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale document: %w", err)
		}
		items = append(items, job)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		status    string
		result    sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&job.ID,
		&job.Name,
		&status,
		&result,
		&job.ErrorCode,
		&job.ErrorMessage,
		&job.PageCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if result.Valid {
		value := result.String
		job.Result = &value
	}
	var err error
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &job, nil
}

func (r *SQLiteJobsRepository) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = r.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// formatTime keeps a fixed-width UTC layout so text comparison in ListStale
// orders the same way as the instants.
func formatTime(value time.Time) string {
	return value.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}
