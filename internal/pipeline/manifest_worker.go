package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/manifest"
)

// ManifestWorker turns a batch's manifest file into the SCRAPE job and one
// scrape task per distinct hyperlink.
type ManifestWorker struct {
	stage
	wake *Wakeup
}

func NewManifestWorker(stores Stores, completion *CompletionHandler, wake *Wakeup, opts Options, logger *slog.Logger) *ManifestWorker {
	return &ManifestWorker{
		stage: newStage(domain.JobManifestIngest, domain.CodeManifestIngest, stores, completion, opts.withDefaults(), logger),
		wake:  wake,
	}
}

func (w *ManifestWorker) Run(ctx context.Context, queue <-chan *domain.Task) error {
	return w.run(ctx, queue, w.handle)
}

// ingestStats is the MANIFEST_INGEST_SUCCEEDED event payload.
type ingestStats struct {
	ManifestPath string `json:"manifestPath"`
	Rows         int    `json:"rows"`
	Skipped      int    `json:"skippedRows"`
	Duplicates   int    `json:"duplicateRows"`
	TasksCreated int    `json:"tasksCreated"`
	JobTasks     int    `json:"jobTasks"`
	TotalTasks   int    `json:"totalTasks"`
}

func (w *ManifestWorker) handle(ctx context.Context, job *domain.Job, task *domain.Task) result {
	attempt, over, err := w.nextAttempt(ctx, task)
	if err != nil {
		w.logger.ErrorContext(ctx, "manifest attempt", "error", err)
		return abandoned()
	}
	if over != nil {
		w.ingestFailed(ctx, job, over.err)
		return *over
	}

	res, stats := w.ingest(ctx, job, task, attempt)
	switch res.status {
	case domain.TaskSucceeded:
		if err := w.stores.Events.Create(ctx, domain.RefJob, job.ID, domain.EventManifestIngestSucceeded, stats); err != nil {
			w.logger.ErrorContext(ctx, "record manifest event", "error", err)
		}
		w.logger.InfoContext(ctx, "manifest ingested",
			"rows", stats.Rows,
			"duplicates", stats.Duplicates,
			"tasks_created", stats.TasksCreated,
			"total_tasks", stats.TotalTasks,
		)
		w.wake.Notify()
	case domain.TaskFailed:
		w.ingestFailed(ctx, job, res.err)
	}
	return res
}

func (w *ManifestWorker) ingest(ctx context.Context, job *domain.Job, task *domain.Task, attempt int) (result, ingestStats) {
	var stats ingestStats
	retry := func(msg string, err error) result {
		return w.retryOrFail(task, attempt, NewTaskError(domain.CodeManifestIngest, msg, WithAttempt(attempt), WithCause(err)))
	}

	if err := w.stores.Batches.MarkRunning(ctx, job.BatchID); err != nil {
		return retry("could not start batch", err), stats
	}

	if len(job.Payload) == 0 {
		return failed(NewTaskError(domain.CodeMissingPayload, "manifest job has no payload", WithAttempt(attempt))), stats
	}
	var payload domain.ManifestPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.ManifestPath == "" {
		if err == nil {
			err = domain.ErrManifestPathNeeded
		}
		return failed(NewTaskError(domain.CodeInvalidPayload, "manifest payload is not a manifest path", WithAttempt(attempt), WithCause(err))), stats
	}
	stats.ManifestPath = payload.ManifestPath

	if _, err := os.Stat(payload.ManifestPath); err != nil {
		return failed(NewTaskError(domain.CodeManifestMissing,
			fmt.Sprintf("manifest %s not found", payload.ManifestPath), WithAttempt(attempt), WithCause(err))), stats
	}

	parsed, err := manifest.ParseFile(payload.ManifestPath)
	switch {
	case errors.Is(err, domain.ErrManifestEmpty):
		return failed(NewTaskError(domain.CodeManifestEmpty, "manifest has no rows", WithAttempt(attempt))), stats
	case errors.Is(err, fs.ErrNotExist):
		return failed(NewTaskError(domain.CodeManifestMissing, "manifest disappeared", WithAttempt(attempt), WithCause(err))), stats
	case err != nil:
		return failed(NewTaskError(domain.CodeManifestIngest, "manifest could not be parsed", WithAttempt(attempt), WithCause(err))), stats
	}
	stats.Rows = len(parsed.Rows)
	stats.Skipped = len(parsed.Skipped)
	if len(parsed.Rows) == 0 {
		return failed(NewTaskError(domain.CodeManifestEmpty,
			fmt.Sprintf("manifest has no valid rows, %d skipped", stats.Skipped), WithAttempt(attempt))), stats
	}

	rows, dupes := manifest.Dedupe(parsed.Rows)
	stats.Duplicates = dupes

	scrape, err := findOrCreateJob(ctx, w.stores, job.BatchID, domain.JobScrape, nil)
	if err != nil {
		return retry("could not create scrape job", err), stats
	}

	tasks := make([]domain.NewTask, 0, len(rows))
	for _, row := range rows {
		link := row.Hyperlink
		tasks = append(tasks, domain.NewTask{
			KrithiKey:      row.Key(),
			IdempotencyKey: manifest.NormalizeURL(link),
			SourceURL:      &link,
		})
	}
	inserted, err := w.stores.Tasks.CreateMany(ctx, scrape, tasks)
	if err != nil {
		return retry("could not create scrape tasks", err), stats
	}
	stats.TasksCreated = inserted

	count, err := w.stores.Tasks.CountByJob(ctx, scrape.ID)
	if err != nil {
		return retry("could not count scrape tasks", err), stats
	}
	batch, err := w.stores.Batches.RaiseTotalTasks(ctx, job.BatchID, count)
	if err != nil {
		return retry("could not raise batch total", err), stats
	}
	stats.JobTasks = count
	stats.TotalTasks = batch.TotalTasks

	return succeeded(nil), stats
}

func (w *ManifestWorker) ingestFailed(ctx context.Context, job *domain.Job, te *domain.TaskError) {
	if err := w.stores.Events.Create(ctx, domain.RefJob, job.ID, domain.EventManifestIngestFailed, te); err != nil {
		w.logger.ErrorContext(ctx, "record manifest event", "error", err)
	}
}
