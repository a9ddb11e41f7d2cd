package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskRetryable TaskStatus = "RETRYABLE"
	TaskBlocked   TaskStatus = "BLOCKED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status closes the current attempt.
// RETRYABLE is not terminal: the task stays claimable.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskBlocked, TaskCancelled:
		return true
	default:
		return false
	}
}

// ClaimableStatuses are the statuses the dispatcher may claim from.
var ClaimableStatuses = []TaskStatus{TaskPending, TaskRetryable}

// Task is one unit of work within a job (an ImportTaskRun): one manifest
// file, one URL to scrape, or one imported record to resolve.
type Task struct {
	ID             string
	JobID          string
	JobType        JobType // denormalised from the owning job on claim
	BatchID        string  // denormalised from the owning job on claim
	KrithiKey      string
	IdempotencyKey string
	Status         TaskStatus
	Attempt        int
	Requeues       int
	SourceURL      *string
	Error          *TaskError
	DurationMS     *int64
	Checksum       *string

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AttemptCeiling is the highest attempt number the task may run. Each
// operator requeue grants a fresh budget of maxAttempts.
func (t *Task) AttemptCeiling(maxAttempts int) int {
	return maxAttempts * (t.Requeues + 1)
}

// NewTask is the input for creating a task within a job.
type NewTask struct {
	KrithiKey      string
	IdempotencyKey string
	SourceURL      *string
}

// TaskUpdate describes the outcome persisted when a task attempt finishes.
type TaskUpdate struct {
	Status     TaskStatus
	Error      *TaskError
	DurationMS *int64
	Checksum   *string
}
