package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/google/uuid"
)

type JobStore struct{ s *Store }

func (r *JobStore) Create(_ context.Context, job *domain.Job) (*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.batches[job.BatchID]; !ok {
		return nil, domain.ErrBatchNotFound
	}
	for _, j := range r.s.jobs {
		if j.BatchID == job.BatchID && j.JobType == job.JobType {
			return nil, domain.ErrDuplicateJob
		}
	}

	now, _ := r.s.stamp()
	c := cloneJob(job)
	c.ID = uuid.NewString()
	if c.Status == "" {
		c.Status = domain.JobPending
	}
	c.CreatedAt, c.UpdatedAt = now, now
	r.s.jobs[c.ID] = c
	return cloneJob(c), nil
}

func (r *JobStore) FindByID(_ context.Context, id string) (*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (r *JobStore) ListByBatch(_ context.Context, batchID string) ([]*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Job
	for _, j := range r.s.jobs {
		if j.BatchID == batchID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (r *JobStore) UpdateStatus(_ context.Context, id string, status domain.JobStatus, result json.RawMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	now, ts := r.s.stamp()
	j.Status = status
	switch status {
	case domain.JobRunning:
		if j.StartedAt == nil {
			j.StartedAt = ts
		}
		j.CompletedAt = nil
	case domain.JobSucceeded, domain.JobFailed, domain.JobCancelled:
		j.CompletedAt = ts
	}
	if result != nil {
		j.Result = slices.Clone(result)
	}
	j.UpdatedAt = now
	return nil
}

func (r *JobStore) Finish(_ context.Context, id string, status domain.JobStatus, result json.RawMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return false, nil
	}
	now, ts := r.s.stamp()
	j.Status = status
	j.CompletedAt = ts
	if result != nil {
		j.Result = slices.Clone(result)
	}
	j.UpdatedAt = now
	return true, nil
}
