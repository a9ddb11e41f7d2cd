package handler

const (
	errInternalServer    = "Internal server error"
	errBatchNotFound     = "Batch not found"
	errJobNotFound       = "Job not found"
	errTaskNotFound      = "Task not found"
	errInvalidTransition = "Batch or task is not in a state that allows this action"
	errInvalidCursor     = "Invalid cursor"
	errInvalidStatus     = "Invalid status filter"
)
