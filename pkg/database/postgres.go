package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB wraps the database connection pool and stores jobs in it.
type PostgresDB struct {
	Pool *pgxpool.Pool
}

var _ Store = (*PostgresDB)(nil)

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	db.Pool.Close()
}

const jobColumns = `id, question, status, answer, citations, error, state, config, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var status string
	err := row.Scan(&job.ID, &job.Question, &status, &job.Answer, &job.Citations,
		&job.Error, &job.State, &job.Config, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	return job, nil
}

func (db *PostgresDB) CreateJob(ctx context.Context, question string, config json.RawMessage) (*Job, error) {
	query := `
		INSERT INTO research_jobs (id, question, status, config)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + jobColumns

	job, err := scanJob(db.Pool.QueryRow(ctx, query, uuid.New(), question, string(StatusPending), nullJSON(config)))
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (db *PostgresDB) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM research_jobs WHERE id = $1`
	job, err := scanJob(db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (db *PostgresDB) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM research_jobs ORDER BY created_at DESC LIMIT $1`
	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (db *PostgresDB) SetRunning(ctx context.Context, id uuid.UUID) error {
	return db.exec(ctx, "UPDATE research_jobs SET status = $2, updated_at = NOW() WHERE id = $1", id, string(StatusRunning))
}

func (db *PostgresDB) SaveState(ctx context.Context, id uuid.UUID, state json.RawMessage) error {
	return db.exec(ctx, "UPDATE research_jobs SET state = $2, updated_at = NOW() WHERE id = $1", id, nullJSON(state))
}

func (db *PostgresDB) CompleteJob(ctx context.Context, id uuid.UUID, answer string, citations json.RawMessage) error {
	return db.exec(ctx,
		"UPDATE research_jobs SET status = $2, answer = $3, citations = $4, updated_at = NOW() WHERE id = $1",
		id, string(StatusCompleted), answer, nullJSON(citations))
}

func (db *PostgresDB) FailJob(ctx context.Context, id uuid.UUID, reason string) error {
	return db.exec(ctx,
		"UPDATE research_jobs SET status = $2, error = $3, updated_at = NOW() WHERE id = $1",
		id, string(StatusFailed), reason)
}

func (db *PostgresDB) AppendLog(ctx context.Context, jobID uuid.UUID, entry LogEntry) error {
	query := `
		INSERT INTO research_logs (job_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := db.Pool.Exec(ctx, query, jobID, entry.Timestamp, entry.Level, entry.Message, nullJSON(entry.Metadata))
	return err
}

func (db *PostgresDB) JobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := db.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (db *PostgresDB) exec(ctx context.Context, query string, id uuid.UUID, args ...any) error {
	tag, err := db.Pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
