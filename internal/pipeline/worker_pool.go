package pipeline

import (
	"context"
	"log/slog"

	"github.com/ErlanBelekov/krithi-import/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// WorkerPool owns the dispatcher, the stage workers and the watchdog, and
// runs them under one cancellation scope.
type WorkerPool struct {
	opts       Options
	queues     queues
	wake       *Wakeup
	dispatcher *Dispatcher
	manifest   *ManifestWorker
	scrape     *ScrapeWorker
	resolution *ResolutionWorker
	watchdog   *Watchdog
	completion *CompletionHandler
	logger     *slog.Logger
}

func NewWorkerPool(stores Stores, collab Collaborators, opts Options, logger *slog.Logger) *WorkerPool {
	opts = opts.withDefaults()
	wake := NewWakeup()
	q := newQueues(opts)
	completion := NewCompletionHandler(stores, collab.Notifier, wake, logger)

	return &WorkerPool{
		opts:       opts,
		queues:     q,
		wake:       wake,
		dispatcher: newDispatcher(stores.Tasks, q, wake, opts, logger),
		manifest:   NewManifestWorker(stores, completion, wake, opts, logger),
		scrape:     NewScrapeWorker(stores, completion, collab.Throttler, collab.Scraper, opts, logger),
		resolution: NewResolutionWorker(stores, completion, collab, opts, logger),
		watchdog:   NewWatchdog(stores, completion, wake, opts, logger),
		completion: completion,
		logger:     logger.With("component", "worker_pool"),
	}
}

// Run blocks until ctx is cancelled and every goroutine has unwound.
// Cancelling stops the dispatcher, which closes the stage queues.
func (p *WorkerPool) Run(ctx context.Context) error {
	metrics.ImporterStartTime.SetToCurrentTime()
	p.logger.Info("worker pool started",
		"manifest_workers", p.opts.ManifestWorkers,
		"scrape_workers", p.opts.ScrapeWorkers,
		"resolution_workers", p.opts.ResolutionWorkers,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.dispatcher.Run(ctx) })
	for range p.opts.ManifestWorkers {
		g.Go(func() error { return p.manifest.Run(ctx, p.queues.manifest) })
	}
	for range p.opts.ScrapeWorkers {
		g.Go(func() error { return p.scrape.Run(ctx, p.queues.scrape) })
	}
	for range p.opts.ResolutionWorkers {
		g.Go(func() error { return p.resolution.Run(ctx, p.queues.resolution) })
	}
	g.Go(func() error { return p.watchdog.Run(ctx) })

	err := g.Wait()
	metrics.ImporterShutdownsTotal.Inc()
	p.logger.Info("worker pool stopped")
	return err
}

// Wake hints the dispatcher that new work exists.
func (p *WorkerPool) Wake() {
	p.wake.Notify()
}

func (p *WorkerPool) Dispatcher() *Dispatcher {
	return p.dispatcher
}

func (p *WorkerPool) Completion() *CompletionHandler {
	return p.completion
}

func (p *WorkerPool) Watchdog() *Watchdog {
	return p.watchdog
}
