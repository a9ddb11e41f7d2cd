package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/metrics"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
)

// queues are the bounded hand-off channels between the dispatcher and the
// stage workers. The dispatcher is their only sender and closes them.
type queues struct {
	manifest   chan *domain.Task
	scrape     chan *domain.Task
	resolution chan *domain.Task
}

func newQueues(opts Options) queues {
	return queues{
		manifest:   make(chan *domain.Task, opts.ManifestQueueCapacity),
		scrape:     make(chan *domain.Task, opts.ScrapeQueueCapacity),
		resolution: make(chan *domain.Task, opts.ResolutionQueueCapacity),
	}
}

func (q queues) close() {
	close(q.manifest)
	close(q.scrape)
	close(q.resolution)
}

// claimRule says which tasks one dispatcher pass claims for a stage.
type claimRule struct {
	jobType  domain.JobType
	statuses []domain.BatchStatus
	limit    int
	queue    chan<- *domain.Task
}

// Dispatcher claims claimable tasks stage by stage and feeds the stage
// queues. Stages are claimed in pipeline order so upstream work drains first.
type Dispatcher struct {
	tasks  repository.TaskRepository
	rules  []claimRule
	wake   *Wakeup
	opts   Options
	logger *slog.Logger
	close  func()

	lastPoll atomic.Int64
	// parked is set while a push waits on a full stage queue.
	parked atomic.Bool
	now    func() time.Time
}

func newDispatcher(tasks repository.TaskRepository, q queues, wake *Wakeup, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tasks: tasks,
		rules: []claimRule{
			{domain.JobManifestIngest, []domain.BatchStatus{domain.BatchPending, domain.BatchRunning}, 1, q.manifest},
			{domain.JobScrape, []domain.BatchStatus{domain.BatchRunning}, opts.BatchClaimSize, q.scrape},
			{domain.JobEntityResolution, []domain.BatchStatus{domain.BatchRunning}, opts.BatchClaimSize, q.resolution},
		},
		wake:   wake,
		opts:   opts,
		logger: logger.With("component", "dispatcher"),
		close:  q.close,
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled, then closes the stage queues.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.close()

	d.logger.Info("dispatcher started", "poll_interval", d.opts.PollInterval, "max_backoff", d.opts.MaxPollBackoff)

	delay := d.opts.PollInterval
	for {
		claimed, err := d.dispatch(ctx)
		d.lastPoll.Store(d.now().UnixNano())
		if ctx.Err() != nil {
			d.logger.Info("dispatcher shut down")
			return nil
		}
		if err != nil {
			d.logger.Error("dispatcher claim", "error", err)
		}

		if claimed > 0 {
			delay = d.opts.PollInterval
			metrics.DispatcherPollInterval.Set(delay.Seconds())
			if !sleepCtx(ctx, d.opts.PollInterval) {
				d.logger.Info("dispatcher shut down")
				return nil
			}
			continue
		}

		metrics.DispatcherPollInterval.Set(delay.Seconds())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info("dispatcher shut down")
			return nil
		case <-d.wake.C():
			timer.Stop()
			delay = d.opts.PollInterval
		case <-timer.C:
			delay = min(delay*2, d.opts.MaxPollBackoff)
		}
	}
}

// dispatch runs one claim pass over every stage. A failing stage does not
// stop the others.
func (d *Dispatcher) dispatch(ctx context.Context) (int, error) {
	var (
		total   int
		lastErr error
	)
	for _, rule := range d.rules {
		tasks, err := d.tasks.ClaimNextPending(ctx, rule.jobType, rule.statuses, rule.limit)
		if err != nil {
			lastErr = fmt.Errorf("claim %s: %w", rule.jobType, err)
			continue
		}
		for _, t := range tasks {
			if !d.push(ctx, rule.queue, t) {
				// Claimed but undelivered tasks stay RUNNING for the watchdog.
				return total, ctx.Err()
			}
			d.lastPoll.Store(d.now().UnixNano())
			metrics.TaskPickupLatency.WithLabelValues(string(rule.jobType)).Observe(d.now().Sub(t.CreatedAt).Seconds())
			total++
		}
		metrics.QueueDepth.WithLabelValues(string(rule.jobType)).Set(float64(len(rule.queue)))
		if len(tasks) > 0 {
			d.logger.Debug("dispatched tasks", "job_type", rule.jobType, "count", len(tasks))
		}
	}
	return total, lastErr
}

// push hands t to a stage queue, blocking while the queue is full.
func (d *Dispatcher) push(ctx context.Context, queue chan<- *domain.Task, t *domain.Task) bool {
	select {
	case queue <- t:
		return true
	default:
	}

	d.parked.Store(true)
	select {
	case queue <- t:
		d.lastPoll.Store(d.now().UnixNano())
		d.parked.Store(false)
		return true
	case <-ctx.Done():
		d.parked.Store(false)
		return false
	}
}

// Wake interrupts an idle backoff.
func (d *Dispatcher) Wake() {
	d.wake.Notify()
}

// Healthy fails when the loop has not completed a pass for well over its
// longest idle sleep. Waiting on a full stage queue is backpressure, not a
// stall.
func (d *Dispatcher) Healthy(_ context.Context) error {
	last := d.lastPoll.Load()
	if last == 0 || d.parked.Load() {
		return nil
	}
	limit := 2*d.opts.MaxPollBackoff + time.Minute
	if since := d.now().Sub(time.Unix(0, last)); since > limit {
		return fmt.Errorf("dispatcher last polled %s ago", since.Round(time.Second))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
