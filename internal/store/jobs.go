package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"command-center/internal/models"
)

// CreateJobParams collects inputs required to insert a job row.
type CreateJobParams struct {
	Type       string
	Payload    map[string]any
	RunAt      time.Time
	MaxRetries int
}

// CreateJob inserts a pending job row and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_retries, run_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
	`, id, p.Type, payloadJSON, models.JobPending, p.MaxRetries, p.RunAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:         id,
		Type:       p.Type,
		Payload:    p.Payload,
		Status:     models.JobPending,
		Attempts:   0,
		MaxRetries: p.MaxRetries,
		RunAt:      p.RunAt,
		CreatedAt:  now,
	}, nil
}

const jobColumns = `id, type, payload, status, attempts, max_retries, run_at, started_at, completed_at, error, created_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var startedAt, completedAt pgtype.Timestamptz
	var lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &job.Status, &job.Attempts, &job.MaxRetries,
		&job.RunAt, &startedAt, &completedAt, &lastErr, &job.CreatedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.StartedAt = tsPtr(startedAt)
	job.CompletedAt = tsPtr(completedAt)
	job.LastError = textPtr(lastErr)
	return job, nil
}

// MarkJobRunning transitions a job to running, recording the attempt.
func (s *Store) MarkJobRunning(ctx context.Context, id string, attempts int, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, started_at = $4 WHERE id = $1
	`, id, models.JobRunning, attempts, startedAt)
	return err
}

// MarkJobCompleted transitions a job to its terminal completed state.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, completedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3, error = NULL WHERE id = $1
	`, id, models.JobCompleted, completedAt)
	return err
}

// MarkJobFailed transitions a job to its terminal failed state.
func (s *Store) MarkJobFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error = $3 WHERE id = $1
	`, id, models.JobFailed, lastError)
	return err
}

// ScheduleJobRetry puts a failed execution back to pending with a deferred run_at.
func (s *Store) ScheduleJobRetry(ctx context.Context, id string, runAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, run_at = $3, error = $4 WHERE id = $1
	`, id, models.JobPending, runAt, lastError)
	return err
}

// CountJobsByStatus returns job counts grouped by status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteCompletedJobsBefore removes completed jobs whose completion predates the cutoff.
// Pending, running and failed jobs are never touched.
func (s *Store) DeleteCompletedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE status = $1 AND completed_at < $2
	`, models.JobCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete completed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStaleRunningJobs flags jobs stuck in running since before the cutoff.
// A crash between "mark running" and handler completion leaves such rows behind.
func (s *Store) ListStaleRunningJobs(ctx context.Context, before time.Time) ([]models.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND started_at < $2 ORDER BY started_at`,
		models.JobRunning, before)
}

// ListRecentFailedJobs returns the most recently failed jobs for monitoring.
func (s *Store) ListRecentFailedJobs(ctx context.Context, limit int) ([]models.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		models.JobFailed, limit)
}

func (s *Store) listJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
