package domain

import (
	"encoding/json"
	"time"
)

type RefType string

const (
	RefBatch RefType = "batch"
	RefJob   RefType = "job"
	RefTask  RefType = "task"
)

type EventType string

const (
	EventManifestIngestSucceeded EventType = "MANIFEST_INGEST_SUCCEEDED"
	EventManifestIngestFailed    EventType = "MANIFEST_INGEST_FAILED"
	EventTaskRetryScheduled      EventType = "TASK_RETRY_SCHEDULED"
	EventTaskMarkedRetryable     EventType = "TASK_MARKED_RETRYABLE"
	EventTaskFailedStale         EventType = "TASK_FAILED_STALE"
	EventTaskRequeued            EventType = "TASK_REQUEUED"
	EventJobCreated              EventType = "JOB_CREATED"
	EventJobCompleted            EventType = "JOB_COMPLETED"
	EventBatchStatusChanged      EventType = "BATCH_STATUS_CHANGED"
	EventBatchCompleted          EventType = "BATCH_COMPLETED"
)

// Event is an append-only audit record of a pipeline state transition.
type Event struct {
	ID        string
	RefType   RefType
	RefID     string
	EventType EventType
	Data      json.RawMessage
	CreatedAt time.Time
}
