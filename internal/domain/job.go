package domain

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobManifestIngest   JobType = "MANIFEST_INGEST"
	JobScrape           JobType = "SCRAPE"
	JobEnrich           JobType = "ENRICH"
	JobEntityResolution JobType = "ENTITY_RESOLUTION"
	JobReviewPrep       JobType = "REVIEW_PREP"
)

// CountsTowardBatch reports whether tasks of this job type are part of the
// batch's total/processed counters. The manifest stage is control work: it
// produces the task set, it is not part of it.
func (t JobType) CountsTowardBatch() bool {
	return t != JobManifestIngest
}

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job is one pipeline stage instance within a batch. A batch has at most one
// job per JobType.
type Job struct {
	ID         string
	BatchID    string
	JobType    JobType
	Status     JobStatus
	RetryCount int
	Payload    json.RawMessage // stage input, e.g. ManifestPayload
	Result     json.RawMessage

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ManifestPayload is the MANIFEST_INGEST job input.
type ManifestPayload struct {
	ManifestPath string `json:"manifestPath"`
}

// StageSummary is one job's share of a batch outcome.
type StageSummary struct {
	JobType   JobType   `json:"jobType"`
	Status    JobStatus `json:"status"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Blocked   int       `json:"blocked"`
	Cancelled int       `json:"cancelled"`
}
