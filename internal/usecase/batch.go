package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/pipeline"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
	"github.com/ErlanBelekov/krithi-import/internal/requestid"
)

// Waker tells the importer process that new work exists. Postgres
// LISTEN/NOTIFY in production.
type Waker interface {
	Notify(ctx context.Context) error
}

type BatchUsecase struct {
	stores     pipeline.Stores
	completion *pipeline.CompletionHandler
	waker      Waker
	logger     *slog.Logger
}

func NewBatchUsecase(stores pipeline.Stores, completion *pipeline.CompletionHandler, waker Waker, logger *slog.Logger) *BatchUsecase {
	return &BatchUsecase{
		stores:     stores,
		completion: completion,
		waker:      waker,
		logger:     logger.With("component", "batch_usecase"),
	}
}

type SubmitBatchInput struct {
	ManifestPath string
	CreatedBy    string
}

// Submit creates a PENDING batch with its MANIFEST_INGEST job and single
// task, then wakes the importer.
func (u *BatchUsecase) Submit(ctx context.Context, input SubmitBatchInput) (*domain.Batch, error) {
	if input.ManifestPath == "" {
		return nil, domain.ErrManifestPathNeeded
	}
	payload, err := json.Marshal(domain.ManifestPayload{ManifestPath: input.ManifestPath})
	if err != nil {
		return nil, fmt.Errorf("marshal manifest payload: %w", err)
	}

	batch, err := u.stores.Batches.Create(ctx, &domain.Batch{
		ManifestPath: input.ManifestPath,
		CreatedBy:    input.CreatedBy,
		Status:       domain.BatchPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	if err := u.seedManifest(ctx, batch, payload); err != nil {
		// A batch without a manifest task would sit PENDING forever.
		if ferr := u.stores.Batches.UpdateStatus(ctx, batch.ID, domain.BatchFailed, domain.BatchPending); ferr != nil {
			u.logger.ErrorContext(ctx, "fail orphaned batch", "batch_id", batch.ID, "error", ferr)
		}
		return nil, err
	}

	if err := u.stores.Events.Create(ctx, domain.RefBatch, batch.ID, domain.EventBatchStatusChanged, requestid.Tag(ctx, map[string]any{
		"status":       domain.BatchPending,
		"manifestPath": input.ManifestPath,
		"createdBy":    input.CreatedBy,
	})); err != nil {
		return nil, fmt.Errorf("record batch created: %w", err)
	}
	u.wake(ctx)
	return batch, nil
}

func (u *BatchUsecase) seedManifest(ctx context.Context, batch *domain.Batch, payload json.RawMessage) error {
	job, err := u.stores.Jobs.Create(ctx, &domain.Job{
		BatchID: batch.ID,
		JobType: domain.JobManifestIngest,
		Status:  domain.JobPending,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("create manifest job: %w", err)
	}
	_, err = u.stores.Tasks.CreateMany(ctx, job, []domain.NewTask{{
		KrithiKey:      batch.ManifestPath,
		IdempotencyKey: batch.ManifestPath,
	}})
	if err != nil {
		return fmt.Errorf("create manifest task: %w", err)
	}
	return nil
}

type ListBatchesInput struct {
	Status string
	Cursor string
	Limit  int
}

type ListBatchesResult struct {
	Batches    []*domain.Batch
	NextCursor *string
}

type batchCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func decodeCursor(s string) (*time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("decode cursor: %w", err)
	}
	var c batchCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, "", fmt.Errorf("unmarshal cursor: %w", err)
	}
	return &c.CreatedAt, c.ID, nil
}

func encodeCursor(createdAt time.Time, id string) string {
	b, _ := json.Marshal(batchCursor{CreatedAt: createdAt, ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

var batchStatuses = []domain.BatchStatus{
	domain.BatchPending, domain.BatchRunning, domain.BatchPaused,
	domain.BatchSucceeded, domain.BatchFailed, domain.BatchCancelled,
}

// List pages through batches newest first.
func (u *BatchUsecase) List(ctx context.Context, input ListBatchesInput) (ListBatchesResult, error) {
	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	repoInput := repository.ListBatchesInput{Limit: limit + 1}
	if input.Status != "" {
		status := domain.BatchStatus(input.Status)
		if !slices.Contains(batchStatuses, status) {
			return ListBatchesResult{}, domain.ErrInvalidStatus
		}
		repoInput.Status = status
	}
	if input.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(input.Cursor)
		if err != nil {
			return ListBatchesResult{}, domain.ErrInvalidCursor
		}
		repoInput.CursorTime = cursorTime
		repoInput.CursorID = cursorID
	}

	batches, err := u.stores.Batches.List(ctx, repoInput)
	if err != nil {
		return ListBatchesResult{}, fmt.Errorf("list batches: %w", err)
	}

	var nextCursor *string
	if len(batches) == limit+1 {
		last := batches[limit-1]
		s := encodeCursor(last.CreatedAt, last.ID)
		nextCursor = &s
		batches = batches[:limit]
	}
	return ListBatchesResult{Batches: batches, NextCursor: nextCursor}, nil
}

func (u *BatchUsecase) Get(ctx context.Context, id string) (*domain.Batch, error) {
	batch, err := u.stores.Batches.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

func (u *BatchUsecase) Jobs(ctx context.Context, batchID string) ([]*domain.Job, error) {
	if _, err := u.Get(ctx, batchID); err != nil {
		return nil, err
	}
	jobs, err := u.stores.Jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Events returns the batch's audit trail newest first.
func (u *BatchUsecase) Events(ctx context.Context, batchID string, limit int) ([]*domain.Event, error) {
	if _, err := u.Get(ctx, batchID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := u.stores.Events.ListByRef(ctx, domain.RefBatch, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (u *BatchUsecase) Tasks(ctx context.Context, jobID string) ([]*domain.Task, error) {
	if _, err := u.stores.Jobs.FindByID(ctx, jobID); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	tasks, err := u.stores.Tasks.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Pause stops the dispatcher claiming the batch's tasks. Tasks already
// running finish normally.
func (u *BatchUsecase) Pause(ctx context.Context, id string) error {
	return u.transition(ctx, id, domain.BatchPaused, domain.BatchPending, domain.BatchRunning)
}

// Resume re-opens a paused batch and re-runs the completion check, since
// in-flight tasks may have drained it while it was paused.
func (u *BatchUsecase) Resume(ctx context.Context, id string) error {
	if err := u.transition(ctx, id, domain.BatchRunning, domain.BatchPaused); err != nil {
		return err
	}
	if u.completion != nil {
		if err := u.completion.CheckBatch(ctx, id); err != nil {
			return fmt.Errorf("check resumed batch: %w", err)
		}
	}
	u.wake(ctx)
	return nil
}

// Cancel ends the batch. Open tasks are cancelled and counted; running ones
// land normally but no further stage is scheduled.
func (u *BatchUsecase) Cancel(ctx context.Context, id string) error {
	if err := u.transition(ctx, id, domain.BatchCancelled, domain.BatchPending, domain.BatchRunning, domain.BatchPaused); err != nil {
		return err
	}
	n, err := u.stores.Tasks.CancelOpen(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel open tasks: %w", err)
	}

	jobs, err := u.stores.Jobs.ListByBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if _, err := u.stores.Jobs.Finish(ctx, job.ID, domain.JobCancelled, nil); err != nil {
			return fmt.Errorf("cancel job %s: %w", job.ID, err)
		}
	}
	u.logger.InfoContext(ctx, "batch cancelled", "batch_id", id, "tasks_cancelled", n)
	return nil
}

// RetryTask requeues a FAILED or BLOCKED task with a fresh attempt budget.
func (u *BatchUsecase) RetryTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := u.stores.Tasks.Requeue(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	if err := u.stores.Events.Create(ctx, domain.RefTask, task.ID, domain.EventTaskRequeued, requestid.Tag(ctx, map[string]any{
		"jobId":    task.JobID,
		"batchId":  task.BatchID,
		"attempt":  task.Attempt,
		"requeues": task.Requeues,
	})); err != nil {
		return nil, fmt.Errorf("record requeue: %w", err)
	}
	u.wake(ctx)
	return task, nil
}

func (u *BatchUsecase) transition(ctx context.Context, id string, to domain.BatchStatus, from ...domain.BatchStatus) error {
	err := u.stores.Batches.UpdateStatus(ctx, id, to, from...)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrBatchNotFound) {
			return err
		}
		return fmt.Errorf("update batch status: %w", err)
	}
	if err := u.stores.Events.Create(ctx, domain.RefBatch, id, domain.EventBatchStatusChanged, requestid.Tag(ctx, map[string]any{
		"status": to,
	})); err != nil {
		return fmt.Errorf("record status change: %w", err)
	}
	return nil
}

// wake is best effort; the importer polls anyway.
func (u *BatchUsecase) wake(ctx context.Context) {
	if u.waker == nil {
		return
	}
	if err := u.waker.Notify(ctx); err != nil {
		u.logger.WarnContext(ctx, "wake importer", "error", err)
	}
}
