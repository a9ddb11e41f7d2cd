package memory

import (
	"context"
	"slices"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/google/uuid"
)

type TaskStore struct{ s *Store }

func taskKey(jobID, idempotencyKey string) string {
	return jobID + "\x00" + idempotencyKey
}

func (r *TaskStore) CreateMany(_ context.Context, job *domain.Job, tasks []domain.NewTask) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.jobs[job.ID]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	batch, ok := r.s.batches[stored.BatchID]
	if !ok {
		return 0, domain.ErrBatchNotFound
	}

	now, _ := r.s.stamp()
	inserted := 0
	for _, nt := range tasks {
		key := taskKey(job.ID, nt.IdempotencyKey)
		if _, dup := r.s.taskKeys[key]; dup {
			continue
		}
		t := &domain.Task{
			ID:             uuid.NewString(),
			JobID:          stored.ID,
			JobType:        stored.JobType,
			BatchID:        stored.BatchID,
			KrithiKey:      nt.KrithiKey,
			IdempotencyKey: nt.IdempotencyKey,
			Status:         domain.TaskPending,
			SourceURL:      nt.SourceURL,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.s.tasks[t.ID] = t
		r.s.taskOrder = append(r.s.taskOrder, t.ID)
		r.s.taskKeys[key] = struct{}{}
		inserted++
	}
	if inserted > 0 && stored.JobType.CountsTowardBatch() {
		batch.TotalTasks += inserted
		batch.UpdatedAt = now
	}
	return inserted, nil
}

func (r *TaskStore) FindByID(_ context.Context, id string) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (r *TaskStore) ListByJob(_ context.Context, jobID string) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Task
	for _, id := range r.s.taskOrder {
		if t := r.s.tasks[id]; t.JobID == jobID {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (r *TaskStore) CountByJob(_ context.Context, jobID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, t := range r.s.tasks {
		if t.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (r *TaskStore) ClaimNextPending(_ context.Context, jobType domain.JobType, batchStatuses []domain.BatchStatus, limit int) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now, ts := r.s.stamp()
	var claimed []*domain.Task
	for _, id := range r.s.taskOrder {
		if len(claimed) >= limit {
			break
		}
		t := r.s.tasks[id]
		if t.JobType != jobType || !slices.Contains(domain.ClaimableStatuses, t.Status) {
			continue
		}
		b, ok := r.s.batches[t.BatchID]
		if !ok || !slices.Contains(batchStatuses, b.Status) {
			continue
		}
		t.Status = domain.TaskRunning
		t.StartedAt = ts
		t.UpdatedAt = now
		claimed = append(claimed, cloneTask(t))
	}
	return claimed, nil
}

func (r *TaskStore) MarkStarted(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskRunning {
		return domain.ErrTaskNotRunning
	}
	now, ts := r.s.stamp()
	t.StartedAt = ts
	t.CompletedAt = nil
	t.UpdatedAt = now
	return nil
}

func (r *TaskStore) IncrementAttempt(_ context.Context, id string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[id]
	if !ok {
		return 0, domain.ErrTaskNotFound
	}
	t.Attempt++
	t.UpdatedAt = r.s.now()
	return t.Attempt, nil
}

func (r *TaskStore) UpdateStatus(_ context.Context, id string, u domain.TaskUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskRunning {
		return domain.ErrTaskNotRunning
	}
	if u.Status.Terminal() && t.JobType.CountsTowardBatch() {
		if _, err := r.s.incrementCountersLocked(t.BatchID, domain.CountersFor(u.Status)); err != nil {
			return err
		}
	}

	now, ts := r.s.stamp()
	t.Status = u.Status
	t.Error = nil
	if u.Error != nil {
		e := *u.Error
		t.Error = &e
	}
	if u.DurationMS != nil {
		t.DurationMS = u.DurationMS
	}
	if u.Checksum != nil {
		t.Checksum = u.Checksum
	}
	if u.Status.Terminal() {
		t.CompletedAt = ts
	} else {
		t.CompletedAt = nil
	}
	t.UpdatedAt = now
	return nil
}

func (r *TaskStore) RescheduleStale(_ context.Context, cutoff time.Time, maxAttempts int) ([]*domain.Task, error) {
	return r.sweepStale(cutoff, func(t *domain.Task) bool {
		return t.Attempt < t.AttemptCeiling(maxAttempts)
	}, domain.TaskRetryable, "task exceeded the running threshold")
}

func (r *TaskStore) FailStale(_ context.Context, cutoff time.Time, maxAttempts int) ([]*domain.Task, error) {
	return r.sweepStale(cutoff, func(t *domain.Task) bool {
		return t.Attempt >= t.AttemptCeiling(maxAttempts)
	}, domain.TaskFailed, "task exceeded the running threshold with no attempts left")
}

func (r *TaskStore) sweepStale(cutoff time.Time, match func(*domain.Task) bool, to domain.TaskStatus, msg string) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now, ts := r.s.stamp()
	var out []*domain.Task
	for _, id := range r.s.taskOrder {
		t := r.s.tasks[id]
		if t.Status != domain.TaskRunning || t.StartedAt == nil || !t.StartedAt.Before(cutoff) || !match(t) {
			continue
		}
		attempt := t.Attempt
		t.Status = to
		t.Error = &domain.TaskError{Code: domain.CodeStuckTimeout, Message: msg, URL: t.SourceURL, Attempt: &attempt}
		if to.Terminal() {
			t.CompletedAt = ts
			if t.JobType.CountsTowardBatch() {
				if _, err := r.s.incrementCountersLocked(t.BatchID, domain.CountersFor(to)); err != nil {
					return out, err
				}
			}
		}
		t.UpdatedAt = now
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (r *TaskStore) Requeue(_ context.Context, id string) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskFailed && t.Status != domain.TaskBlocked {
		return nil, domain.ErrInvalidTransition
	}
	if t.JobType.CountsTowardBatch() {
		if _, err := r.s.incrementCountersLocked(t.BatchID, domain.CountersFor(t.Status).Negate()); err != nil {
			return nil, err
		}
	}

	now, _ := r.s.stamp()
	t.Status = domain.TaskRetryable
	t.Requeues++
	t.Error = nil
	t.CompletedAt = nil
	t.UpdatedAt = now

	if j, ok := r.s.jobs[t.JobID]; ok && (j.Status == domain.JobSucceeded || j.Status == domain.JobFailed) {
		j.Status = domain.JobRunning
		j.CompletedAt = nil
		j.UpdatedAt = now
	}
	if b, ok := r.s.batches[t.BatchID]; ok && (b.Status == domain.BatchSucceeded || b.Status == domain.BatchFailed) {
		b.Status = domain.BatchRunning
		b.CompletedAt = nil
		b.UpdatedAt = now
	}
	return cloneTask(t), nil
}

func (r *TaskStore) CancelOpen(_ context.Context, batchID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now, ts := r.s.stamp()
	total, countable := 0, 0
	for _, t := range r.s.tasks {
		if t.BatchID != batchID || !slices.Contains(domain.ClaimableStatuses, t.Status) {
			continue
		}
		t.Status = domain.TaskCancelled
		t.Error = &domain.TaskError{Code: domain.CodeCancelled, Message: "batch cancelled by operator"}
		t.CompletedAt = ts
		t.UpdatedAt = now
		total++
		if t.JobType.CountsTowardBatch() {
			countable++
		}
	}
	if countable > 0 {
		if _, err := r.s.incrementCountersLocked(batchID, domain.BatchCounters{Processed: countable, Cancelled: countable}); err != nil {
			return 0, err
		}
	}
	return total, nil
}
