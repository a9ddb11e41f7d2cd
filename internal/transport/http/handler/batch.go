package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/usecase"
	"github.com/gin-gonic/gin"
)

// batchUsecaser is the subset of BatchUsecase the handler needs.
type batchUsecaser interface {
	Submit(ctx context.Context, input usecase.SubmitBatchInput) (*domain.Batch, error)
	List(ctx context.Context, input usecase.ListBatchesInput) (usecase.ListBatchesResult, error)
	Get(ctx context.Context, id string) (*domain.Batch, error)
	Jobs(ctx context.Context, batchID string) ([]*domain.Job, error)
	Events(ctx context.Context, batchID string, limit int) ([]*domain.Event, error)
	Tasks(ctx context.Context, jobID string) ([]*domain.Task, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	RetryTask(ctx context.Context, taskID string) (*domain.Task, error)
}

type BatchHandler struct {
	batchUsecase batchUsecaser
	logger       *slog.Logger
}

func NewBatchHandler(batchUsecase batchUsecaser, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{batchUsecase: batchUsecase, logger: logger.With("component", "batch_handler")}
}

type createBatchRequest struct {
	ManifestPath string `json:"manifest_path" binding:"required"`
	CreatedBy    string `json:"created_by"`
}

type batchResponse struct {
	ID             string             `json:"id"`
	ManifestPath   string             `json:"manifest_path"`
	CreatedBy      string             `json:"created_by,omitempty"`
	Status         domain.BatchStatus `json:"status"`
	TotalTasks     int                `json:"total_tasks"`
	ProcessedTasks int                `json:"processed_tasks"`
	SucceededTasks int                `json:"succeeded_tasks"`
	FailedTasks    int                `json:"failed_tasks"`
	BlockedTasks   int                `json:"blocked_tasks"`
	CancelledTasks int                `json:"cancelled_tasks"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func toBatchResponse(b *domain.Batch) batchResponse {
	return batchResponse{
		ID:             b.ID,
		ManifestPath:   b.ManifestPath,
		CreatedBy:      b.CreatedBy,
		Status:         b.Status,
		TotalTasks:     b.TotalTasks,
		ProcessedTasks: b.ProcessedTasks,
		SucceededTasks: b.SucceededTasks,
		FailedTasks:    b.FailedTasks,
		BlockedTasks:   b.BlockedTasks,
		CancelledTasks: b.CancelledTasks,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

type listBatchesResponse struct {
	Batches    []batchResponse `json:"batches"`
	NextCursor *string         `json:"next_cursor"`
}

type jobResponse struct {
	ID          string           `json:"id"`
	JobType     domain.JobType   `json:"job_type"`
	Status      domain.JobStatus `json:"status"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

type taskResponse struct {
	ID          string            `json:"id"`
	KrithiKey   string            `json:"krithi_key"`
	Status      domain.TaskStatus `json:"status"`
	Attempt     int               `json:"attempt"`
	Requeues    int               `json:"requeues"`
	SourceURL   *string           `json:"source_url,omitempty"`
	Error       *domain.TaskError `json:"error,omitempty"`
	DurationMS  *int64            `json:"duration_ms,omitempty"`
	Checksum    *string           `json:"checksum,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func toTaskResponse(t *domain.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		KrithiKey:   t.KrithiKey,
		Status:      t.Status,
		Attempt:     t.Attempt,
		Requeues:    t.Requeues,
		SourceURL:   t.SourceURL,
		Error:       t.Error,
		DurationMS:  t.DurationMS,
		Checksum:    t.Checksum,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

type eventResponse struct {
	ID        string           `json:"id"`
	EventType domain.EventType `json:"event_type"`
	Data      json.RawMessage  `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// POST /v1/batches
func (h *BatchHandler) Create(ctx *gin.Context) {
	var req createBatchRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch, err := h.batchUsecase.Submit(ctx.Request.Context(), usecase.SubmitBatchInput{
		ManifestPath: req.ManifestPath,
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		if errors.Is(err, domain.ErrManifestPathNeeded) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.ErrorContext(ctx.Request.Context(), "submit batch", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusCreated, toBatchResponse(batch))
}

// GET /v1/batches?status=&cursor=&limit=
func (h *BatchHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	res, err := h.batchUsecase.List(ctx.Request.Context(), usecase.ListBatchesInput{
		Status: ctx.Query("status"),
		Cursor: ctx.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidCursor):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
		case errors.Is(err, domain.ErrInvalidStatus):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidStatus})
		default:
			h.logger.ErrorContext(ctx.Request.Context(), "list batches", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	out := make([]batchResponse, len(res.Batches))
	for i, b := range res.Batches {
		out[i] = toBatchResponse(b)
	}
	ctx.JSON(http.StatusOK, listBatchesResponse{Batches: out, NextCursor: res.NextCursor})
}

// GET /v1/batches/:id
func (h *BatchHandler) GetByID(ctx *gin.Context) {
	batch, err := h.batchUsecase.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		h.fail(ctx, "get batch", err)
		return
	}
	ctx.JSON(http.StatusOK, toBatchResponse(batch))
}

// GET /v1/batches/:id/jobs
func (h *BatchHandler) ListJobs(ctx *gin.Context) {
	jobs, err := h.batchUsecase.Jobs(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		h.fail(ctx, "list jobs", err)
		return
	}
	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = jobResponse{
			ID:          j.ID,
			JobType:     j.JobType,
			Status:      j.Status,
			Payload:     j.Payload,
			Result:      j.Result,
			StartedAt:   j.StartedAt,
			CompletedAt: j.CompletedAt,
			CreatedAt:   j.CreatedAt,
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": out})
}

// GET /v1/batches/:id/events?limit=
func (h *BatchHandler) ListEvents(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	events, err := h.batchUsecase.Events(ctx.Request.Context(), ctx.Param("id"), limit)
	if err != nil {
		h.fail(ctx, "list events", err)
		return
	}
	out := make([]eventResponse, len(events))
	for i, e := range events {
		out[i] = eventResponse{ID: e.ID, EventType: e.EventType, Data: e.Data, CreatedAt: e.CreatedAt}
	}
	ctx.JSON(http.StatusOK, gin.H{"events": out})
}

// GET /v1/jobs/:id/tasks
func (h *BatchHandler) ListTasks(ctx *gin.Context) {
	tasks, err := h.batchUsecase.Tasks(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		h.fail(ctx, "list tasks", err)
		return
	}
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	ctx.JSON(http.StatusOK, gin.H{"tasks": out})
}

// POST /v1/batches/:id/pause
func (h *BatchHandler) Pause(ctx *gin.Context) {
	h.lifecycle(ctx, "pause batch", h.batchUsecase.Pause)
}

// POST /v1/batches/:id/resume
func (h *BatchHandler) Resume(ctx *gin.Context) {
	h.lifecycle(ctx, "resume batch", h.batchUsecase.Resume)
}

// POST /v1/batches/:id/cancel
func (h *BatchHandler) Cancel(ctx *gin.Context) {
	h.lifecycle(ctx, "cancel batch", h.batchUsecase.Cancel)
}

// POST /v1/tasks/:id/retry
func (h *BatchHandler) RetryTask(ctx *gin.Context) {
	task, err := h.batchUsecase.RetryTask(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		h.fail(ctx, "retry task", err)
		return
	}
	ctx.JSON(http.StatusAccepted, toTaskResponse(task))
}

func (h *BatchHandler) lifecycle(ctx *gin.Context, op string, fn func(context.Context, string) error) {
	if err := fn(ctx.Request.Context(), ctx.Param("id")); err != nil {
		h.fail(ctx, op, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *BatchHandler) fail(ctx *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrBatchNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errBatchNotFound})
	case errors.Is(err, domain.ErrJobNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
	case errors.Is(err, domain.ErrTaskNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
	case errors.Is(err, domain.ErrInvalidTransition):
		ctx.JSON(http.StatusConflict, gin.H{"error": errInvalidTransition})
	default:
		h.logger.ErrorContext(ctx.Request.Context(), op, "id", ctx.Param("id"), "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	}
}
