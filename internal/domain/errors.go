package domain

import "errors"

var (
	ErrBatchNotFound      = errors.New("batch not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotRunning     = errors.New("task is no longer running")
	ErrImportNotFound     = errors.New("imported krithi not found")
	ErrDuplicateJob       = errors.New("job of this type already exists for the batch")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrManifestEmpty      = errors.New("manifest has no valid rows")
	ErrManifestPathNeeded = errors.New("manifest path is required")
	ErrInvalidStatus      = errors.New("invalid status value")
	ErrInvalidCursor      = errors.New("invalid pagination cursor")
)
