package log

import (
	"context"
	"log/slog"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/requestid"
)

type fieldsKey struct{}

// pipelineFields identify the unit of pipeline work a log record belongs to.
type pipelineFields struct {
	batchID string
	jobID   string
	taskID  string
	stage   string
}

// WithTask returns a copy of ctx whose log records carry the task's batch,
// job, task id and stage.
func WithTask(ctx context.Context, t *domain.Task) context.Context {
	return context.WithValue(ctx, fieldsKey{}, pipelineFields{
		batchID: t.BatchID,
		jobID:   t.JobID,
		taskID:  t.ID,
		stage:   string(t.JobType),
	})
}

// WithBatch tags records with a batch id only, for batch-level work.
func WithBatch(ctx context.Context, batchID string) context.Context {
	f, _ := ctx.Value(fieldsKey{}).(pipelineFields)
	f.batchID = batchID
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithRef tags records with the id of one batch, job or task, for work
// addressed by id such as an API call.
func WithRef(ctx context.Context, ref domain.RefType, id string) context.Context {
	f, _ := ctx.Value(fieldsKey{}).(pipelineFields)
	switch ref {
	case domain.RefBatch:
		f.batchID = id
	case domain.RefJob:
		f.jobID = id
	case domain.RefTask:
		f.taskID = id
	}
	return context.WithValue(ctx, fieldsKey{}, f)
}

// ContextHandler wraps an slog.Handler and automatically extracts
// request and pipeline identifiers from the context of each log record.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler returns a handler that enriches every record with
// context values before delegating to inner.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := requestid.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if f, ok := ctx.Value(fieldsKey{}).(pipelineFields); ok {
		addIfSet(&r, "batch_id", f.batchID)
		addIfSet(&r, "job_id", f.jobID)
		addIfSet(&r, "task_id", f.taskID)
		addIfSet(&r, "stage", f.stage)
	}
	return h.inner.Handle(ctx, r)
}

func addIfSet(r *slog.Record, key, value string) {
	if value != "" {
		r.AddAttrs(slog.String(key, value))
	}
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
