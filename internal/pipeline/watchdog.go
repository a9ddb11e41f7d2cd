package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Watchdog reclaims tasks left RUNNING past the stuck threshold, typically
// after a worker crash or a hung external call.
type Watchdog struct {
	stores     Stores
	completion *CompletionHandler
	wake       *Wakeup
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

func NewWatchdog(stores Stores, completion *CompletionHandler, wake *Wakeup, opts Options, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		stores:     stores,
		completion: completion,
		wake:       wake,
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "watchdog"),
		now:        time.Now,
	}
}

// SweepResult counts what one sweep reclaimed.
type SweepResult struct {
	Rescheduled int
	Failed      int
}

// Run sweeps on every watchdog interval until ctx is cancelled. Overlapping
// sweeps are skipped.
func (w *Watchdog) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{w.logger})))
	spec := fmt.Sprintf("@every %s", w.opts.WatchdogInterval)
	if _, err := c.AddFunc(spec, func() {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("watchdog sweep", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule watchdog: %w", err)
	}

	w.logger.Info("watchdog started", "interval", w.opts.WatchdogInterval, "threshold", w.opts.StuckTaskThreshold)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	w.logger.Info("watchdog shut down")
	return nil
}

// Sweep runs one reclaim pass. Tasks with attempts left go back to
// RETRYABLE; tasks whose budget is spent fail with stuck_timeout and are
// counted, so their batch can still complete.
func (w *Watchdog) Sweep(ctx context.Context) (SweepResult, error) {
	start := w.now()
	defer func() { metrics.WatchdogCycleDuration.Observe(w.now().Sub(start).Seconds()) }()

	cutoff := start.Add(-w.opts.StuckTaskThreshold)
	var res SweepResult

	rescheduled, err := w.stores.Tasks.RescheduleStale(ctx, cutoff, w.opts.MaxAttempts)
	if err != nil {
		return res, fmt.Errorf("reschedule stale: %w", err)
	}
	res.Rescheduled = len(rescheduled)
	for _, t := range rescheduled {
		w.record(ctx, t, domain.EventTaskMarkedRetryable)
	}
	if len(rescheduled) > 0 {
		metrics.WatchdogRescuedTotal.WithLabelValues("rescheduled").Add(float64(len(rescheduled)))
		w.logger.Warn("rescheduled stuck tasks", "count", len(rescheduled))
		w.wake.Notify()
	}

	stale, err := w.stores.Tasks.FailStale(ctx, cutoff, w.opts.MaxAttempts)
	if err != nil {
		return res, fmt.Errorf("fail stale: %w", err)
	}
	res.Failed = len(stale)
	for _, t := range stale {
		w.record(ctx, t, domain.EventTaskFailedStale)
	}
	if len(stale) > 0 {
		metrics.WatchdogRescuedTotal.WithLabelValues("failed").Add(float64(len(stale)))
		w.logger.Warn("failed stuck tasks with no attempts left", "count", len(stale))
	}

	// One completion check per job is enough; the check reads fresh state.
	seen := make(map[string]bool, len(stale))
	for _, t := range stale {
		if seen[t.JobID] {
			continue
		}
		seen[t.JobID] = true
		if err := w.completion.OnTaskFinished(ctx, t.JobID); err != nil {
			w.logger.Error("completion check after stale failure", "job_id", t.JobID, "error", err)
		}
	}
	return res, nil
}

func (w *Watchdog) record(ctx context.Context, t *domain.Task, eventType domain.EventType) {
	data := map[string]any{
		"jobId":   t.JobID,
		"batchId": t.BatchID,
		"attempt": t.Attempt,
	}
	if t.StartedAt != nil {
		data["startedAt"] = t.StartedAt
	}
	if err := w.stores.Events.Create(ctx, domain.RefTask, t.ID, eventType, data); err != nil {
		w.logger.Error("record watchdog event", "task_id", t.ID, "error", err)
	}
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
