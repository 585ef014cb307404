package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
)

// ErrJobNotFound is returned when a job is not found in the database
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
       created_at, updated_at, scheduled_for, last_error, retry_after,
       processed_at, completed_at, worker_id`

// JobStore provides database operations for the reconciliation job queue
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

// Enqueue creates a new job in the queue
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	status := models.JobStatusPending
	if job.Status != "" {
		status = job.Status
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at, updated_at
`,
		job.JobType,
		job.Payload,
		status,
		job.Priority,
		job.MaxAttempts,
		job.ScheduledFor,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	job.Status = status
	return nil
}

// GetByID retrieves a job by its ID
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next available job for processing.
// A processing job claimed more than staleAfter ago is treated as abandoned
// and may be claimed again. It returns nil when the queue has nothing runnable.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string, staleAfter time.Duration) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = 'processing',
    worker_id = $1,
    processed_at = NOW(),
    updated_at = NOW(),
    attempts = attempts + 1
WHERE id = (
	SELECT id FROM jobs
	WHERE (status = 'pending'
	       AND (scheduled_for IS NULL OR scheduled_for <= NOW())
	       AND (retry_after IS NULL OR retry_after <= NOW()))
	   OR (status = 'processing'
	       AND processed_at < NOW() - make_interval(secs => $2))
	ORDER BY
		CASE priority
			WHEN 'critical' THEN 4
			WHEN 'high' THEN 3
			WHEN 'normal' THEN 2
			WHEN 'low' THEN 1
		END DESC,
		created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, workerID, staleAfter.Seconds())

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'completed',
    completed_at = NOW(),
    updated_at = NOW(),
    worker_id = NULL
WHERE id = $1
`, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as failed with an error message
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'failed',
    last_error = $2,
    updated_at = NOW(),
    worker_id = NULL
WHERE id = $1
`, id, errorMsg)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry puts a job back to pending, runnable after retryAfter
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'pending',
    last_error = $2,
    retry_after = $3,
    updated_at = NOW(),
    worker_id = NULL
WHERE id = $1
`, id, errorMsg, retryAfter)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// ReleaseJob releases a processing job back to pending (for graceful shutdown)
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'pending',
    worker_id = NULL,
    updated_at = NOW()
WHERE id = $1 AND status = 'processing'
`, id)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// GetStats returns statistics about the job queue
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending') AS pending,
	COUNT(*) FILTER (WHERE status = 'processing') AS processing,
	COUNT(*) FILTER (WHERE status = 'completed') AS completed,
	COUNT(*) FILTER (WHERE status = 'failed') AS failed,
	COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
	COUNT(*) AS total
FROM jobs
`).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var payloadJSON []byte

	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&payloadJSON,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ScheduledFor,
		&job.LastError,
		&job.RetryAfter,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.WorkerID,
	); err != nil {
		return nil, err
	}

	job.Payload = make(models.JSONB)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return job, nil
}
