package domain

import (
	"time"
)

type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchRunning   BatchStatus = "RUNNING"
	BatchPaused    BatchStatus = "PAUSED"
	BatchSucceeded BatchStatus = "SUCCEEDED"
	BatchFailed    BatchStatus = "FAILED"
	BatchCancelled BatchStatus = "CANCELLED"
)

// Terminal reports whether no further work will be scheduled for the batch.
func (s BatchStatus) Terminal() bool {
	return s == BatchSucceeded || s == BatchFailed || s == BatchCancelled
}

// Batch is one operator-initiated import run. TotalTasks grows as later
// stages discover their own task sets; the counters only ever move forward
// except through an operator requeue.
type Batch struct {
	ID             string
	ManifestPath   string
	CreatedBy      string
	Status         BatchStatus
	TotalTasks     int
	ProcessedTasks int
	SucceededTasks int
	FailedTasks    int
	BlockedTasks   int
	CancelledTasks int

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BatchCounters is a delta applied atomically to a batch row.
type BatchCounters struct {
	Processed int
	Succeeded int
	Failed    int
	Blocked   int
	Cancelled int
}

// CountersFor returns the delta for one task landing in status.
// Non-terminal statuses produce a zero delta.
func CountersFor(status TaskStatus) BatchCounters {
	switch status {
	case TaskSucceeded:
		return BatchCounters{Processed: 1, Succeeded: 1}
	case TaskFailed:
		return BatchCounters{Processed: 1, Failed: 1}
	case TaskBlocked:
		return BatchCounters{Processed: 1, Blocked: 1}
	case TaskCancelled:
		return BatchCounters{Processed: 1, Cancelled: 1}
	default:
		return BatchCounters{}
	}
}

// Negate flips the sign of every counter, used when a task is requeued.
func (c BatchCounters) Negate() BatchCounters {
	return BatchCounters{
		Processed: -c.Processed,
		Succeeded: -c.Succeeded,
		Failed:    -c.Failed,
		Blocked:   -c.Blocked,
		Cancelled: -c.Cancelled,
	}
}

func (c BatchCounters) IsZero() bool {
	return c == BatchCounters{}
}

// HasFailures reports whether the batch ended with any failed or blocked task.
func (b *Batch) HasFailures() bool {
	return b.FailedTasks > 0 || b.BlockedTasks > 0
}

// Drained is true once every task currently known to the batch has landed.
func (b *Batch) Drained() bool {
	return b.TotalTasks > 0 && b.ProcessedTasks >= b.TotalTasks
}
