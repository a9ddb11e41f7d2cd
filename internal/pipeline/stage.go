package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	ctxlog "github.com/ErlanBelekov/krithi-import/internal/log"
	"github.com/ErlanBelekov/krithi-import/internal/metrics"
)

// result is the outcome of one task attempt.
type result struct {
	status   domain.TaskStatus
	err      *domain.TaskError
	checksum *string
	// abandon leaves the task RUNNING for the watchdog, used when storage
	// cannot record the outcome anyway.
	abandon bool
}

func succeeded(checksum *string) result {
	return result{status: domain.TaskSucceeded, checksum: checksum}
}

func failed(te *domain.TaskError) result {
	return result{status: domain.TaskFailed, err: te}
}

func abandoned() result {
	return result{abandon: true}
}

type handlerFunc func(ctx context.Context, job *domain.Job, task *domain.Task) result

// stage is the loop shared by every stage worker: take one task, run it,
// persist the outcome and hand the job to the completion handler.
type stage struct {
	jobType    domain.JobType
	failCode   domain.ErrorCode
	stores     Stores
	completion *CompletionHandler
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

func newStage(jobType domain.JobType, failCode domain.ErrorCode, stores Stores, completion *CompletionHandler, opts Options, logger *slog.Logger) stage {
	return stage{
		jobType:    jobType,
		failCode:   failCode,
		stores:     stores,
		completion: completion,
		opts:       opts,
		logger:     logger.With("component", strings.ToLower(string(jobType))+"_worker"),
		now:        time.Now,
	}
}

func (s *stage) run(ctx context.Context, queue <-chan *domain.Task, handle handlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task, ok := <-queue:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.execute(ctx, task, handle)
		}
	}
}

func (s *stage) execute(ctx context.Context, task *domain.Task, handle handlerFunc) {
	inFlight := metrics.TasksInFlight.WithLabelValues(string(s.jobType))
	inFlight.Inc()
	defer inFlight.Dec()

	ctx = ctxlog.WithTask(ctx, task)
	started := s.now()

	if err := s.stores.Tasks.MarkStarted(ctx, task.ID); err != nil {
		if errors.Is(err, domain.ErrTaskNotRunning) {
			s.logger.WarnContext(ctx, "task was reclaimed while queued, skipping it")
			return
		}
		s.logger.ErrorContext(ctx, "mark task started, leaving it for the watchdog", "error", err)
		return
	}

	var res result
	job, err := s.stores.Jobs.FindByID(ctx, task.JobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		job = nil
		res = failed(NewTaskError(domain.CodeMissingJob, "owning job not found"))
	case err != nil:
		s.logger.ErrorContext(ctx, "load job, leaving task for the watchdog", "error", err)
		return
	default:
		if job.Status == domain.JobPending {
			if err := s.stores.Jobs.UpdateStatus(ctx, job.ID, domain.JobRunning, nil); err != nil {
				s.logger.WarnContext(ctx, "mark job running", "error", err)
			}
		}
		res = s.safeHandle(ctx, job, task, handle)
	}

	if res.abandon || (ctx.Err() != nil && res.status != domain.TaskSucceeded) {
		s.logger.WarnContext(ctx, "task interrupted, leaving it for the watchdog")
		return
	}
	s.land(ctx, task, job, started, res)
}

// safeHandle turns a panic inside a handler into a failed attempt so the
// worker loop survives it.
func (s *stage) safeHandle(ctx context.Context, job *domain.Job, task *domain.Task, handle handlerFunc) (res result) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.logger.ErrorContext(ctx, "task handler panicked", "panic", r)
		attempt := task.Attempt + 1
		if t, err := s.stores.Tasks.FindByID(ctx, task.ID); err == nil {
			attempt = t.Attempt
		}
		res = s.retryOrFail(task, attempt, NewTaskError(s.failCode, "handler panicked",
			WithURL(task.SourceURL), WithAttempt(attempt), WithCause(fmt.Errorf("%v", r))))
	}()
	return handle(ctx, job, task)
}

// nextAttempt bumps the attempt counter. over is set when the task has
// already used its whole budget.
func (s *stage) nextAttempt(ctx context.Context, task *domain.Task) (attempt int, over *result, err error) {
	attempt, err = s.stores.Tasks.IncrementAttempt(ctx, task.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("increment attempt: %w", err)
	}
	if ceiling := task.AttemptCeiling(s.opts.MaxAttempts); attempt > ceiling {
		res := failed(NewTaskError(domain.CodeMaxAttemptsExceeded,
			fmt.Sprintf("attempt %d exceeds the limit of %d", attempt, ceiling),
			WithURL(task.SourceURL), WithAttempt(attempt)))
		return attempt, &res, nil
	}
	return attempt, nil, nil
}

// retryOrFail returns the task to RETRYABLE unless this was its last attempt.
func (s *stage) retryOrFail(task *domain.Task, attempt int, te *domain.TaskError) result {
	if attempt >= task.AttemptCeiling(s.opts.MaxAttempts) {
		return failed(te)
	}
	return result{status: domain.TaskRetryable, err: te}
}

func (s *stage) land(ctx context.Context, task *domain.Task, job *domain.Job, started time.Time, res result) {
	elapsed := s.now().Sub(started)
	durationMS := elapsed.Milliseconds()

	err := s.stores.Tasks.UpdateStatus(ctx, task.ID, domain.TaskUpdate{
		Status:     res.status,
		Error:      res.err,
		DurationMS: &durationMS,
		Checksum:   res.checksum,
	})
	if errors.Is(err, domain.ErrTaskNotRunning) {
		// The watchdog got there first and already counted the task.
		s.logger.WarnContext(ctx, "task no longer running, dropping late outcome", "status", res.status)
		metrics.TasksCompletedTotal.WithLabelValues(string(s.jobType), "dropped").Inc()
		return
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "record task outcome, leaving it for the watchdog", "status", res.status, "error", err)
		return
	}

	outcome := strings.ToLower(string(res.status))
	metrics.TaskDuration.WithLabelValues(string(s.jobType), outcome).Observe(elapsed.Seconds())
	metrics.TasksCompletedTotal.WithLabelValues(string(s.jobType), outcome).Inc()

	switch res.status {
	case domain.TaskSucceeded:
		s.logger.InfoContext(ctx, "task succeeded", "duration", elapsed)
	case domain.TaskRetryable:
		s.logger.WarnContext(ctx, "task failed, will retry", "error", res.err)
		s.retryScheduled(ctx, task, job, res.err)
		return
	default:
		s.logger.WarnContext(ctx, "task permanently failed", "status", res.status, "error", res.err)
	}

	if job == nil {
		return
	}
	if err := s.completion.OnTaskFinished(ctx, job.ID); err != nil {
		s.logger.ErrorContext(ctx, "completion check", "error", err)
	}
}

func (s *stage) retryScheduled(ctx context.Context, task *domain.Task, job *domain.Job, te *domain.TaskError) {
	data := map[string]any{
		"jobId":       task.JobID,
		"batchId":     task.BatchID,
		"maxAttempts": task.AttemptCeiling(s.opts.MaxAttempts),
		"error":       te,
	}
	if te != nil && te.Attempt != nil {
		data["attempt"] = *te.Attempt
	}
	if job != nil {
		data["jobType"] = job.JobType
	}
	if err := s.stores.Events.Create(ctx, domain.RefTask, task.ID, domain.EventTaskRetryScheduled, data); err != nil {
		s.logger.ErrorContext(ctx, "record retry event", "error", err)
	}
}
