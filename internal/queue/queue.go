// Package queue implements the DB-backed job queue: at-least-once execution
// of typed handlers with exponential retry backoff. The persisted job row is
// the source of truth; the only in-process state is the in-flight id set that
// prevents double dispatch within this process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"command-center/internal/audit"
	"command-center/internal/models"
	"command-center/internal/store"
	"command-center/internal/telemetry"
)

const actor = "job-queue"

// JobStore is the persistence surface the queue needs. *store.Store satisfies it.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobRunning(ctx context.Context, id string, attempts int, startedAt time.Time) error
	MarkJobCompleted(ctx context.Context, id string, completedAt time.Time) error
	MarkJobFailed(ctx context.Context, id string, lastError string) error
	ScheduleJobRetry(ctx context.Context, id string, runAt time.Time, lastError string) error
	CountJobsByStatus(ctx context.Context) (map[string]int, error)
	DeleteCompletedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Handler executes a job payload, returning an error on failure. Wrap the
// error with Permanent to skip the retry schedule.
type Handler func(ctx context.Context, payload map[string]any) error

// Queue accepts typed job requests and drives them through the
// pending -> running -> {completed, pending(retry), failed} state machine.
type Queue struct {
	store    JobStore
	audit    *audit.Logger
	handlers map[string]Handler

	mu       sync.Mutex
	inflight map[string]chan struct{}

	// now and schedule are swapped out in tests for deterministic timing.
	now      func() time.Time
	schedule func(delay time.Duration, fn func())
}

// New constructs a queue over the given store and audit writer.
func New(st JobStore, auditLog *audit.Logger) *Queue {
	return &Queue{
		store:    st,
		audit:    auditLog,
		handlers: make(map[string]Handler),
		inflight: make(map[string]chan struct{}),
		now:      time.Now,
		schedule: func(delay time.Duration, fn func()) { time.AfterFunc(delay, fn) },
	}
}

// Register binds a handler to a job type. Later registrations win.
func (q *Queue) Register(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	q.handlers[jobType] = handler
}

// EnqueueOptions carries the optional enqueue parameters.
type EnqueueOptions struct {
	RunAt      time.Time
	MaxRetries int
}

// Enqueue persists a new pending job. If it is already eligible to run the
// execution starts fire-and-forget without blocking the caller.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts EnqueueOptions) (models.Job, error) {
	if jobType == "" {
		return models.Job{}, errors.New("job type is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = q.now()
	}

	job, err := q.store.CreateJob(ctx, store.CreateJobParams{
		Type:       jobType,
		Payload:    payload,
		RunAt:      runAt,
		MaxRetries: opts.MaxRetries,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	q.audit.Success(ctx, actor, "job.enqueued", map[string]any{"jobId": job.ID, "type": job.Type})
	telemetry.JobsEnqueued.Inc()

	if !job.RunAt.After(q.now()) {
		go func() { _ = q.ProcessJob(context.Background(), job.ID) }()
	}
	return job, nil
}

// Get is a read-only job lookup. Returns store.ErrNotFound for unknown ids.
func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	return q.store.GetJob(ctx, id)
}

// ProcessJob runs the job's state machine once. A second call for an id
// already executing in this process coalesces into the existing execution:
// it waits for that execution to finish and starts no duplicate work.
func (q *Queue) ProcessJob(ctx context.Context, id string) error {
	q.mu.Lock()
	if done, ok := q.inflight[id]; ok {
		q.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	q.inflight[id] = done
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.inflight, id)
		q.mu.Unlock()
		close(done)
	}()

	return q.execute(ctx, id)
}

func (q *Queue) execute(ctx context.Context, id string) error {
	job, err := q.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	// Guards the race where two triggers fire for the same job: only a
	// pending row may start executing.
	if job.Status != models.JobPending {
		return nil
	}

	attempts := job.Attempts + 1
	if err := q.store.MarkJobRunning(ctx, id, attempts, q.now()); err != nil {
		return fmt.Errorf("mark running %s: %w", id, err)
	}
	q.audit.Success(ctx, actor, "job.started", map[string]any{"jobId": id, "type": job.Type, "attempt": attempts})

	telemetry.JobsInFlight.Inc()
	handlerErr := q.dispatch(ctx, job)
	telemetry.JobsInFlight.Dec()

	if handlerErr == nil {
		if err := q.store.MarkJobCompleted(ctx, id, q.now()); err != nil {
			return fmt.Errorf("mark completed %s: %w", id, err)
		}
		q.audit.Success(ctx, actor, "job.completed", map[string]any{"jobId": id, "type": job.Type})
		telemetry.JobsCompleted.Inc()
		return nil
	}

	if IsPermanent(handlerErr) || attempts >= job.MaxRetries {
		if err := q.store.MarkJobFailed(ctx, id, handlerErr.Error()); err != nil {
			return fmt.Errorf("mark failed %s: %w", id, err)
		}
		q.audit.Failure(ctx, actor, "job.failed", map[string]any{"jobId": id, "type": job.Type, "attempts": attempts}, handlerErr)
		telemetry.JobsFailed.Inc()
		return nil
	}

	delay := backoff(attempts)
	runAt := q.now().Add(delay)
	if err := q.store.ScheduleJobRetry(ctx, id, runAt, handlerErr.Error()); err != nil {
		return fmt.Errorf("schedule retry %s: %w", id, err)
	}
	q.audit.Failure(ctx, actor, "job.retry", map[string]any{"jobId": id, "type": job.Type, "attempts": attempts}, handlerErr)
	telemetry.JobsRetried.Inc()
	q.schedule(delay, func() { _ = q.ProcessJob(context.Background(), id) })
	return nil
}

func (q *Queue) dispatch(ctx context.Context, job models.Job) error {
	handler, ok := q.handlers[job.Type]
	if !ok {
		return Permanent(fmt.Errorf("%w: %q", ErrNoHandler, job.Type))
	}
	return handler(ctx, job.Payload)
}

// backoff returns the delay before the next execution: 1s, 2s, 4s, ...
// for attempts 1, 2, 3, ... Exact powers of two so retry timing is testable.
func backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(1<<uint(attempts-1)) * time.Second
}

// Stats aggregates job counts by status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TotalJobs int `json:"totalJobs"`
}

// Stats returns the queue's aggregate counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountJobsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Pending:   counts[models.JobPending],
		Running:   counts[models.JobRunning],
		Completed: counts[models.JobCompleted],
		Failed:    counts[models.JobFailed],
	}
	for _, n := range counts {
		stats.TotalJobs += n
	}
	telemetry.PendingJobsGauge.Set(float64(stats.Pending))
	return stats, nil
}

// Cleanup deletes completed jobs older than the cutoff and returns the count.
func (q *Queue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := q.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	return q.store.DeleteCompletedJobsBefore(ctx, cutoff)
}
