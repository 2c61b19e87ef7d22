package models

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// RenderJob is one asynchronous render request and its outcome.
type RenderJob struct {
	ID         string     `json:"id"`
	Status     JobStatus  `json:"status"`
	Seconds    float64    `json:"seconds"`
	Provider   string     `json:"provider,omitempty"`
	ObjectKey  string     `json:"object_key,omitempty"`
	FileSize   *int64     `json:"file_size,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	ErrorText  string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
