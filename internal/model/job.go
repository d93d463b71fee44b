package model

import "time"

// JobStatus represents the current status of a harvest job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ErrorKind classifies why a fetch attempt failed.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindTransient         ErrorKind = "transient"
	ErrorKindRateLimited       ErrorKind = "rate_limited"
	ErrorKindAuthRequired      ErrorKind = "auth_required"
	ErrorKindTargetUnavailable ErrorKind = "target_unavailable"
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindFatalAdapter      ErrorKind = "fatal_adapter"
)

// Retryable reports whether attempts of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTransient, ErrorKindRateLimited:
		return true
	}
	return false
}

// Job is one scheduled attempt to fetch fresh data for a target.
type Job struct {
	ID      string `json:"id"`
	BatchID string `json:"batch_id"`
	Target  Target `json:"target"`

	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`

	SubmittedAt time.Time  `json:"submitted_at"`
	NotBefore   time.Time  `json:"not_before"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`
	LastError     string    `json:"last_error,omitempty"`

	// ResultVersion references the accepted result, if any.
	ResultVersion int64 `json:"result_version,omitempty"`
}

// JobView is the caller-facing snapshot of a job.
type JobView struct {
	ID            string         `json:"id"`
	BatchID       string         `json:"batch_id"`
	TargetID      string         `json:"target_id"`
	SourceID      string         `json:"source_id"`
	Priority      TargetPriority `json:"priority"`
	Status        JobStatus      `json:"status"`
	Attempts      int            `json:"attempts"`
	SubmittedAt   time.Time      `json:"submitted_at"`
	LastErrorKind ErrorKind      `json:"last_error_kind,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	ResultVersion int64          `json:"result_version,omitempty"`
}

// BatchProgress aggregates completion counts for a batch submission.
type BatchProgress struct {
	BatchID   string `json:"batch_id"`
	Submitted int    `json:"submitted"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`

	// FailureSamples holds recent failure reasons keyed by source so
	// operators can tell a dead source from missing targets.
	FailureSamples map[string][]string `json:"failure_samples,omitempty"`
}

// Done reports whether every job in the batch is terminal.
func (p BatchProgress) Done() bool {
	return p.Pending == 0 && p.Running == 0
}
