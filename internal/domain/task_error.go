package domain

import "fmt"

type ErrorCode string

const (
	CodeMissingPayload      ErrorCode = "missing_payload"
	CodeInvalidPayload      ErrorCode = "invalid_payload"
	CodeMissingJob          ErrorCode = "missing_job"
	CodeManifestMissing     ErrorCode = "manifest_missing"
	CodeManifestEmpty       ErrorCode = "manifest_empty"
	CodeManifestIngest      ErrorCode = "manifest_ingest_failed"
	CodeMissingSourceURL    ErrorCode = "missing_source_url"
	CodeMaxAttemptsExceeded ErrorCode = "max_attempts_exceeded"
	CodeScrapeFailed        ErrorCode = "scrape_failed"
	CodeImportMissing       ErrorCode = "import_missing"
	CodeResolutionFailed    ErrorCode = "resolution_failed"
	CodeStuckTimeout        ErrorCode = "stuck_timeout"
	CodeCancelled           ErrorCode = "cancelled"
)

// TaskError is the structured error payload persisted on a task.
type TaskError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	URL     *string   `json:"url,omitempty"`
	Attempt *int      `json:"attempt,omitempty"`
	Cause   *string   `json:"cause,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, *e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
