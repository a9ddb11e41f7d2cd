package repository

import (
	"context"
	"encoding/json"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

type JobRepository interface {
	// Create inserts a job. Returns domain.ErrDuplicateJob when the batch
	// already has a job of the same type.
	Create(ctx context.Context, job *domain.Job) (*domain.Job, error)
	FindByID(ctx context.Context, id string) (*domain.Job, error)
	ListByBatch(ctx context.Context, batchID string) ([]*domain.Job, error)
	// UpdateStatus sets status, stamping started_at on RUNNING and
	// completed_at on terminal statuses. result may be nil.
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, result json.RawMessage) error
	// Finish moves a non-terminal job to a terminal status. Returns false when
	// the job was already terminal, so exactly one caller observes completion.
	Finish(ctx context.Context, id string, status domain.JobStatus, result json.RawMessage) (bool, error)
}
