package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	ctxlog "github.com/ErlanBelekov/krithi-import/internal/log"
	"github.com/ErlanBelekov/krithi-import/internal/metrics"
)

// CompletionHandler advances a batch after tasks land: it closes drained
// jobs, seeds the resolution stage from scrape successes and finalizes the
// batch once everything it knows about has been processed.
type CompletionHandler struct {
	stores   Stores
	notifier Notifier
	wake     *Wakeup
	logger   *slog.Logger
}

func NewCompletionHandler(stores Stores, notifier Notifier, wake *Wakeup, logger *slog.Logger) *CompletionHandler {
	return &CompletionHandler{
		stores:   stores,
		notifier: notifier,
		wake:     wake,
		logger:   logger.With("component", "completion"),
	}
}

// batchCompleted is the BATCH_COMPLETED event payload.
type batchCompleted struct {
	Status    domain.BatchStatus    `json:"status"`
	Total     int                   `json:"totalTasks"`
	Processed int                   `json:"processedTasks"`
	Succeeded int                   `json:"succeededTasks"`
	Failed    int                   `json:"failedTasks"`
	Blocked   int                   `json:"blockedTasks"`
	Cancelled int                   `json:"cancelledTasks"`
	Stages    []domain.StageSummary `json:"stages"`
	Reason    string                `json:"reason,omitempty"`
}

// OnTaskFinished re-evaluates the task's job and batch. Safe to call any
// number of times; every transition it makes is conditional.
func (h *CompletionHandler) OnTaskFinished(ctx context.Context, jobID string) error {
	job, err := h.stores.Jobs.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	return h.evaluate(ctx, job)
}

// CheckBatch re-evaluates every open job of the batch, then the batch
// itself. Used after a resume, when tasks may have drained while paused.
func (h *CompletionHandler) CheckBatch(ctx context.Context, batchID string) error {
	jobs, err := h.stores.Jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		if err := h.evaluate(ctx, job); err != nil {
			return err
		}
	}
	return h.finalize(ctx, batchID)
}

func (h *CompletionHandler) evaluate(ctx context.Context, job *domain.Job) error {
	ctx = ctxlog.WithBatch(ctx, job.BatchID)

	batch, err := h.stores.Batches.FindByID(ctx, job.BatchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if batch.Status == domain.BatchCancelled {
		return nil
	}
	if job.JobType.CountsTowardBatch() && batch.ProcessedTasks < batch.TotalTasks {
		return nil
	}

	tasks, err := h.stores.Tasks.ListByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	sum, open := tally(job, tasks)
	if open > 0 || len(tasks) == 0 {
		return nil
	}

	status := domain.JobSucceeded
	if sum.Failed+sum.Blocked > 0 {
		status = domain.JobFailed
	}
	if err := h.finishJob(ctx, job, status, sum); err != nil {
		return err
	}

	switch job.JobType {
	case domain.JobManifestIngest:
		if status == domain.JobFailed {
			return h.FailBatch(ctx, job.BatchID, manifestFailure(tasks))
		}
		return nil
	case domain.JobScrape:
		// A finished batch takes no new stage; its totals are closed.
		if batch.Status.Terminal() {
			return nil
		}
		if err := h.advance(ctx, job, tasks); err != nil {
			return err
		}
	}
	return h.finalize(ctx, job.BatchID)
}

func (h *CompletionHandler) finishJob(ctx context.Context, job *domain.Job, status domain.JobStatus, sum domain.StageSummary) error {
	sum.Status = status
	result, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	finished, err := h.stores.Jobs.Finish(ctx, job.ID, status, result)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if !finished {
		return nil
	}

	h.logger.InfoContext(ctx, "job completed",
		"job_id", job.ID,
		"job_type", job.JobType,
		"status", status,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
	)
	if err := h.stores.Events.Create(ctx, domain.RefJob, job.ID, domain.EventJobCompleted, sum); err != nil {
		return fmt.Errorf("record job completed: %w", err)
	}
	return nil
}

// advance appends one resolution task per succeeded scrape task. Tasks keep
// the scrape task's keys, so re-running it never duplicates work.
func (h *CompletionHandler) advance(ctx context.Context, scrape *domain.Job, tasks []*domain.Task) error {
	var next []domain.NewTask
	for _, t := range tasks {
		if t.Status != domain.TaskSucceeded {
			continue
		}
		next = append(next, domain.NewTask{
			KrithiKey:      t.KrithiKey,
			IdempotencyKey: t.IdempotencyKey,
			SourceURL:      t.SourceURL,
		})
	}
	if len(next) == 0 {
		return nil
	}

	job, err := findOrCreateJob(ctx, h.stores, scrape.BatchID, domain.JobEntityResolution, nil)
	if err != nil {
		return err
	}
	inserted, err := h.stores.Tasks.CreateMany(ctx, job, next)
	if err != nil {
		return fmt.Errorf("create resolution tasks: %w", err)
	}
	if inserted == 0 {
		return nil
	}

	if job.Status.Terminal() {
		if err := h.stores.Jobs.UpdateStatus(ctx, job.ID, domain.JobRunning, nil); err != nil {
			return fmt.Errorf("reopen resolution job: %w", err)
		}
	}
	h.logger.InfoContext(ctx, "resolution stage seeded", "job_id", job.ID, "tasks", inserted)
	h.wake.Notify()
	return nil
}

func (h *CompletionHandler) finalize(ctx context.Context, batchID string) error {
	batch, err := h.stores.Batches.FindByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if batch.Status != domain.BatchRunning || !batch.Drained() {
		return nil
	}

	status := domain.BatchSucceeded
	if batch.HasFailures() {
		status = domain.BatchFailed
	}
	ok, err := h.stores.Batches.Finalize(ctx, batchID, status)
	if err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	if !ok {
		return nil
	}
	return h.publish(ctx, batchID, "")
}

// FailBatch ends a batch that cannot make progress, such as one whose
// manifest could not be ingested. No-op unless the batch is PENDING or RUNNING.
func (h *CompletionHandler) FailBatch(ctx context.Context, batchID string, reason string) error {
	err := h.stores.Batches.UpdateStatus(ctx, batchID, domain.BatchFailed, domain.BatchPending, domain.BatchRunning)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail batch: %w", err)
	}

	if err := h.stores.Events.Create(ctx, domain.RefBatch, batchID, domain.EventBatchStatusChanged, map[string]any{
		"status": domain.BatchFailed,
		"reason": reason,
	}); err != nil {
		return fmt.Errorf("record batch status: %w", err)
	}
	return h.publish(ctx, batchID, reason)
}

func (h *CompletionHandler) publish(ctx context.Context, batchID, reason string) error {
	batch, err := h.stores.Batches.FindByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	stages, err := h.stageSummaries(ctx, batchID)
	if err != nil {
		return err
	}

	data := batchCompleted{
		Status:    batch.Status,
		Total:     batch.TotalTasks,
		Processed: batch.ProcessedTasks,
		Succeeded: batch.SucceededTasks,
		Failed:    batch.FailedTasks,
		Blocked:   batch.BlockedTasks,
		Cancelled: batch.CancelledTasks,
		Stages:    stages,
		Reason:    reason,
	}
	if err := h.stores.Events.Create(ctx, domain.RefBatch, batchID, domain.EventBatchCompleted, data); err != nil {
		return fmt.Errorf("record batch completed: %w", err)
	}
	metrics.BatchesCompletedTotal.WithLabelValues(string(batch.Status)).Inc()

	h.logger.InfoContext(ctx, "batch completed",
		"status", batch.Status,
		"total", batch.TotalTasks,
		"succeeded", batch.SucceededTasks,
		"failed", batch.FailedTasks,
	)
	if h.notifier != nil {
		h.notifier.BatchCompleted(ctx, batch, stages)
	}
	return nil
}

// stageSummaries breaks the batch outcome down per counted stage, in stage
// creation order.
func (h *CompletionHandler) stageSummaries(ctx context.Context, batchID string) ([]domain.StageSummary, error) {
	jobs, err := h.stores.Jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	stages := make([]domain.StageSummary, 0, len(jobs))
	for _, job := range jobs {
		if !job.JobType.CountsTowardBatch() {
			continue
		}
		tasks, err := h.stores.Tasks.ListByJob(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		sum, _ := tally(job, tasks)
		stages = append(stages, sum)
	}
	return stages, nil
}

func manifestFailure(tasks []*domain.Task) string {
	for _, t := range tasks {
		if t.Error != nil {
			return string(t.Error.Code)
		}
	}
	return string(domain.CodeManifestIngest)
}
