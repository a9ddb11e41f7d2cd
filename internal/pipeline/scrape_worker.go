package pipeline

import (
	"context"
	"log/slog"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

// ScrapeWorker fetches one source page per task and submits what it
// extracts as a reviewable import keyed by the task's normalized URL.
type ScrapeWorker struct {
	stage
	throttler Throttler
	scraper   Scraper
}

func NewScrapeWorker(stores Stores, completion *CompletionHandler, throttler Throttler, scraper Scraper, opts Options, logger *slog.Logger) *ScrapeWorker {
	return &ScrapeWorker{
		stage:     newStage(domain.JobScrape, domain.CodeScrapeFailed, stores, completion, opts.withDefaults(), logger),
		throttler: throttler,
		scraper:   scraper,
	}
}

func (w *ScrapeWorker) Run(ctx context.Context, queue <-chan *domain.Task) error {
	return w.run(ctx, queue, w.handle)
}

func (w *ScrapeWorker) handle(ctx context.Context, job *domain.Job, task *domain.Task) result {
	attempt, over, err := w.nextAttempt(ctx, task)
	if err != nil {
		w.logger.ErrorContext(ctx, "scrape attempt", "error", err)
		return abandoned()
	}
	if task.SourceURL == nil || *task.SourceURL == "" {
		return failed(NewTaskError(domain.CodeMissingSourceURL, "task has no source url", WithAttempt(attempt)))
	}
	if over != nil {
		return *over
	}

	url := *task.SourceURL
	retry := func(msg string, err error) result {
		return w.retryOrFail(task, attempt, NewTaskError(domain.CodeScrapeFailed, msg,
			WithURL(task.SourceURL), WithAttempt(attempt), WithCause(err)))
	}

	if w.throttler != nil {
		if err := w.throttler.Throttle(ctx, url); err != nil {
			return retry("rate limiter refused the url", err)
		}
	}

	meta, err := w.scraper.Scrape(ctx, url)
	if err != nil {
		return retry("scrape failed", err)
	}

	err = w.stores.Imports.Submit(ctx, []domain.ImportRequest{{
		SourceKey: task.IdempotencyKey,
		SourceURL: url,
		BatchID:   job.BatchID,
		Metadata:  *meta,
	}})
	if err != nil {
		return retry("import submission failed", err)
	}

	var checksum *string
	if meta.Checksum != "" {
		checksum = &meta.Checksum
	}
	return succeeded(checksum)
}
