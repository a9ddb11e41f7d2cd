package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

// findOrCreateJob returns the batch's job of jobType, creating it when the
// batch has none. A concurrent creator losing the unique race re-reads the
// winner's row.
func findOrCreateJob(ctx context.Context, stores Stores, batchID string, jobType domain.JobType, payload json.RawMessage) (*domain.Job, error) {
	if job, err := findJob(ctx, stores, batchID, jobType); err != nil || job != nil {
		return job, err
	}

	job, err := stores.Jobs.Create(ctx, &domain.Job{
		BatchID: batchID,
		JobType: jobType,
		Status:  domain.JobPending,
		Payload: payload,
	})
	if errors.Is(err, domain.ErrDuplicateJob) {
		job, err = findJob(ctx, stores, batchID, jobType)
		if err == nil && job == nil {
			err = domain.ErrJobNotFound
		}
		return job, err
	}
	if err != nil {
		return nil, fmt.Errorf("create %s job: %w", jobType, err)
	}

	if err := stores.Events.Create(ctx, domain.RefJob, job.ID, domain.EventJobCreated, map[string]any{
		"batchId": batchID,
		"jobType": jobType,
	}); err != nil {
		return nil, fmt.Errorf("record job created: %w", err)
	}
	return job, nil
}

func findJob(ctx context.Context, stores Stores, batchID string, jobType domain.JobType) (*domain.Job, error) {
	jobs, err := stores.Jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	for _, j := range jobs {
		if j.JobType == jobType {
			return j, nil
		}
	}
	return nil, nil
}

// tally summarises a job's tasks. open counts tasks that have not landed.
func tally(job *domain.Job, tasks []*domain.Task) (sum domain.StageSummary, open int) {
	sum = domain.StageSummary{JobType: job.JobType, Status: job.Status, Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskSucceeded:
			sum.Succeeded++
		case domain.TaskFailed:
			sum.Failed++
		case domain.TaskBlocked:
			sum.Blocked++
		case domain.TaskCancelled:
			sum.Cancelled++
		default:
			open++
		}
	}
	return sum, open
}
