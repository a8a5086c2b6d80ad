// Package postgres keeps job run history in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

const defaultListLimit = 50

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// JobStore implements harvest.JobStore on a job_runs table.
type JobStore struct {
	pool  querier
	limit int
}

// NewJobStore connects to Postgres and ensures the job_runs table exists.
func NewJobStore(ctx context.Context, dsn string, limit int) (*JobStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	store := NewJobStoreWithPool(pool, limit)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool wraps an existing pool (primarily for testing).
func NewJobStoreWithPool(pool querier, limit int) *JobStore {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return &JobStore{pool: pool, limit: limit}
}

// EnsureSchema creates the job_runs table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			error_message TEXT,
			body JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS job_runs_account_started ON job_runs (account_id, started_at DESC);
	`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure job_runs schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *JobStore) Close() {
	s.pool.Close()
}

// SaveJob inserts or updates a job run.
func (s *JobStore) SaveJob(ctx context.Context, job harvest.ScrapeJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	var errMsg *string
	if job.Outcome != nil && job.Outcome.Meta.Error != "" {
		msg := job.Outcome.Meta.Error
		errMsg = &msg
	}
	query := `
		INSERT INTO job_runs (id, account_id, status, started_at, finished_at, error_message, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			error_message = EXCLUDED.error_message,
			body = EXCLUDED.body;
	`
	_, err = s.pool.Exec(ctx, query, job.ID, job.AccountID, string(job.Status), job.StartedAt, job.FinishedAt, errMsg, body)
	if err != nil {
		return fmt.Errorf("failed to upsert job run: %w", err)
	}
	return nil
}

// GetJob retrieves a single job run by its ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (harvest.ScrapeJob, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM job_runs WHERE id = $1;`, jobID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.ScrapeJob{}, fmt.Errorf("%w: %s", harvest.ErrJobNotFound, jobID)
		}
		return harvest.ScrapeJob{}, fmt.Errorf("failed to get job: %w", err)
	}
	var job harvest.ScrapeJob
	if err := json.Unmarshal(body, &job); err != nil {
		return harvest.ScrapeJob{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// ListJobs returns the account's most recent runs, newest first.
func (s *JobStore) ListJobs(ctx context.Context, accountID string) ([]harvest.ScrapeJob, error) {
	query := `
		SELECT body
		FROM job_runs
		WHERE account_id = $1
		ORDER BY started_at DESC
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, query, accountID, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []harvest.ScrapeJob
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		var job harvest.ScrapeJob
		if err := json.Unmarshal(body, &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}
