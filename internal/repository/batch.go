package repository

import (
	"context"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

type ListBatchesInput struct {
	Status     domain.BatchStatus // empty = all statuses
	CursorTime *time.Time         // nil = first page
	CursorID   string             // used only when CursorTime is non-nil
	Limit      int
}

// BatchRepository owns the batch row and its counters. Every mutation is a
// single atomic statement so concurrent stage workers can update the same
// batch without lost updates.
type BatchRepository interface {
	Create(ctx context.Context, batch *domain.Batch) (*domain.Batch, error)
	FindByID(ctx context.Context, id string) (*domain.Batch, error)
	List(ctx context.Context, input ListBatchesInput) ([]*domain.Batch, error)

	// UpdateStatus moves the batch to status when its current status is one of from.
	// Returns domain.ErrInvalidTransition when no row matched.
	UpdateStatus(ctx context.Context, id string, status domain.BatchStatus, from ...domain.BatchStatus) error
	// MarkRunning moves a PENDING batch to RUNNING and stamps started_at. No-op otherwise.
	MarkRunning(ctx context.Context, id string) error

	// RaiseTotalTasks sets total_tasks = GREATEST(total_tasks, atLeast).
	RaiseTotalTasks(ctx context.Context, id string, atLeast int) (*domain.Batch, error)
	IncrementCounters(ctx context.Context, id string, delta domain.BatchCounters) (*domain.Batch, error)

	// Finalize moves a RUNNING, fully processed batch to status and stamps
	// completed_at. Returns false when the batch did not qualify, so exactly
	// one caller observes the transition.
	Finalize(ctx context.Context, id string, status domain.BatchStatus) (bool, error)
}
