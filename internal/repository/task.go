package repository

import (
	"context"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

type TaskRepository interface {
	// CreateMany inserts tasks for a job, skipping any whose idempotency key
	// already exists in that job, and grows the batch's total_tasks by the
	// number inserted in the same transaction when the job type counts toward
	// the batch. Returns the number actually inserted.
	CreateMany(ctx context.Context, job *domain.Job, tasks []domain.NewTask) (int, error)
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	ListByJob(ctx context.Context, jobID string) ([]*domain.Task, error)
	CountByJob(ctx context.Context, jobID string) (int, error)

	// ClaimNextPending atomically marks up to limit PENDING/RETRYABLE tasks of
	// jobType RUNNING, considering only batches in one of batchStatuses. A task
	// is returned to at most one caller.
	ClaimNextPending(ctx context.Context, jobType domain.JobType, batchStatuses []domain.BatchStatus, limit int) ([]*domain.Task, error)

	// MarkStarted resets started_at on a RUNNING task. Any other status
	// returns domain.ErrTaskNotRunning.
	MarkStarted(ctx context.Context, id string) error
	// IncrementAttempt bumps attempt and returns the new value.
	IncrementAttempt(ctx context.Context, id string) (int, error)
	// UpdateStatus lands the outcome of a RUNNING task. A task that is no
	// longer RUNNING (reclaimed or failed by the watchdog, cancelled) returns
	// domain.ErrTaskNotRunning and is left untouched. A terminal outcome
	// moves the batch counters in the same transaction.
	UpdateStatus(ctx context.Context, id string, update domain.TaskUpdate) error

	// RescheduleStale moves RUNNING tasks started before cutoff with budget
	// left back to RETRYABLE.
	RescheduleStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*domain.Task, error)
	// FailStale moves RUNNING tasks started before cutoff whose budget is
	// spent to FAILED, applying their batch counters in the same transaction.
	FailStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*domain.Task, error)

	// Requeue moves a FAILED or BLOCKED task back to RETRYABLE with a fresh
	// attempt budget, reversing its batch counters in the same transaction.
	Requeue(ctx context.Context, id string) (*domain.Task, error)
	// CancelOpen marks every PENDING/RETRYABLE task of the batch CANCELLED and
	// counts the countable ones as processed. Returns how many were cancelled.
	CancelOpen(ctx context.Context, batchID string) (int, error)
}
