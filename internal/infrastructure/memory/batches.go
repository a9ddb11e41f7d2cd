package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
	"github.com/google/uuid"
)

type BatchStore struct{ s *Store }

func (r *BatchStore) Create(_ context.Context, b *domain.Batch) (*domain.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now, _ := r.s.stamp()
	c := cloneBatch(b)
	c.ID = uuid.NewString()
	if c.Status == "" {
		c.Status = domain.BatchPending
	}
	c.CreatedAt, c.UpdatedAt = now, now
	r.s.batches[c.ID] = c
	return cloneBatch(c), nil
}

func (r *BatchStore) FindByID(_ context.Context, id string) (*domain.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b, ok := r.s.batches[id]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func (r *BatchStore) List(_ context.Context, in repository.ListBatchesInput) ([]*domain.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Batch
	for _, b := range r.s.batches {
		if in.Status != "" && b.Status != in.Status {
			continue
		}
		if in.CursorTime != nil {
			if b.CreatedAt.After(*in.CursorTime) ||
				(b.CreatedAt.Equal(*in.CursorTime) && b.ID >= in.CursorID) {
				continue
			}
		}
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return out, nil
}

func (r *BatchStore) UpdateStatus(_ context.Context, id string, status domain.BatchStatus, from ...domain.BatchStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b, ok := r.s.batches[id]
	if !ok {
		return domain.ErrBatchNotFound
	}
	if !slices.Contains(from, b.Status) {
		return domain.ErrInvalidTransition
	}
	now, ts := r.s.stamp()
	b.Status = status
	if status == domain.BatchRunning && b.StartedAt == nil {
		b.StartedAt = ts
	}
	if status.Terminal() {
		b.CompletedAt = ts
	} else {
		b.CompletedAt = nil
	}
	b.UpdatedAt = now
	return nil
}

func (r *BatchStore) MarkRunning(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b, ok := r.s.batches[id]
	if !ok || b.Status != domain.BatchPending {
		return nil
	}
	now, ts := r.s.stamp()
	b.Status = domain.BatchRunning
	if b.StartedAt == nil {
		b.StartedAt = ts
	}
	b.UpdatedAt = now
	return nil
}

func (r *BatchStore) RaiseTotalTasks(_ context.Context, id string, atLeast int) (*domain.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b, ok := r.s.batches[id]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	b.TotalTasks = max(b.TotalTasks, atLeast)
	b.UpdatedAt = r.s.now()
	return cloneBatch(b), nil
}

func (r *BatchStore) IncrementCounters(_ context.Context, id string, d domain.BatchCounters) (*domain.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b, err := r.s.incrementCountersLocked(id, d)
	if err != nil {
		return nil, err
	}
	return cloneBatch(b), nil
}

// incrementCountersLocked enforces the same checks as the Postgres table
// constraints: processed never exceeds total and equals the outcome sum.
func (s *Store) incrementCountersLocked(id string, d domain.BatchCounters) (*domain.Batch, error) {
	b, ok := s.batches[id]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	next := *b
	next.ProcessedTasks += d.Processed
	next.SucceededTasks += d.Succeeded
	next.FailedTasks += d.Failed
	next.BlockedTasks += d.Blocked
	next.CancelledTasks += d.Cancelled

	if next.ProcessedTasks > next.TotalTasks {
		return nil, fmt.Errorf("increment batch counters: processed %d exceeds total %d", next.ProcessedTasks, next.TotalTasks)
	}
	if next.ProcessedTasks != next.SucceededTasks+next.FailedTasks+next.BlockedTasks+next.CancelledTasks {
		return nil, fmt.Errorf("increment batch counters: processed %d does not match outcomes", next.ProcessedTasks)
	}
	if next.ProcessedTasks < 0 {
		return nil, fmt.Errorf("increment batch counters: negative processed count")
	}
	next.UpdatedAt = s.now()
	*b = next
	return b, nil
}

func (r *BatchStore) Finalize(_ context.Context, id string, status domain.BatchStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b, ok := r.s.batches[id]
	if !ok {
		return false, nil
	}
	if b.Status != domain.BatchRunning || b.TotalTasks == 0 || b.ProcessedTasks != b.TotalTasks {
		return false, nil
	}
	now, ts := r.s.stamp()
	b.Status = status
	b.CompletedAt = ts
	b.UpdatedAt = now
	return true, nil
}
