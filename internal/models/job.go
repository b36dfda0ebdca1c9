package models

import "time"

// JobStatus represents the lifecycle state of a build job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether a job in this status will never change again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ProgressEvent is pushed to an attached observer whenever a job's
// progress or status changes.
type ProgressEvent struct {
	Type     string    `json:"type"` // always "progress"
	Progress int       `json:"progress"`
	Status   JobStatus `json:"status"`
	Message  string    `json:"message,omitempty"`
}

// NewProgressEvent builds a progress event for the given state.
func NewProgressEvent(progress int, status JobStatus, message string) ProgressEvent {
	return ProgressEvent{
		Type:     "progress",
		Progress: progress,
		Status:   status,
		Message:  message,
	}
}

// JobResponse is the API response for job submission and status queries
type JobResponse struct {
	JobID        string     `json:"job_id"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	ISOPath      string     `json:"iso_path,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}
