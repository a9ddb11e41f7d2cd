package pipeline

import (
	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

type TaskErrorOption func(*domain.TaskError)

func WithURL(url *string) TaskErrorOption {
	return func(e *domain.TaskError) {
		if url != nil && *url != "" {
			u := *url
			e.URL = &u
		}
	}
}

func WithAttempt(attempt int) TaskErrorOption {
	return func(e *domain.TaskError) {
		if attempt > 0 {
			e.Attempt = &attempt
		}
	}
}

func WithCause(err error) TaskErrorOption {
	return func(e *domain.TaskError) {
		if err != nil {
			c := err.Error()
			e.Cause = &c
		}
	}
}

// NewTaskError builds the structured error persisted on a task.
func NewTaskError(code domain.ErrorCode, msg string, opts ...TaskErrorOption) *domain.TaskError {
	e := &domain.TaskError{Code: code, Message: msg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
