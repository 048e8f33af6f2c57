package scheduler

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PostgresStore implements ExecutionStore with PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL scheduler store
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateExecution creates a job execution record
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_name, status, started_at, error, output)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, exec.ID, exec.JobName, string(exec.Status), exec.StartedAt, exec.Error, exec.Output)
	if err != nil {
		return fmt.Errorf("inserting job execution: %w", err)
	}
	return nil
}

// UpdateExecution updates a job execution record
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = $2, ended_at = $3, error = $4, output = $5
		WHERE id = $1
	`, exec.ID, string(exec.Status), exec.EndedAt, exec.Error, exec.Output)
	if err != nil {
		return fmt.Errorf("updating job execution: %w", err)
	}
	return nil
}

// ListExecutions gets recent executions for a job
func (s *PostgresStore) ListExecutions(ctx context.Context, jobName string, limit int) ([]JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var execs []JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_name, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_name = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing job executions: %w", err)
	}
	return execs, nil
}
