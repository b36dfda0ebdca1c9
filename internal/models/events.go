package models

import "time"

// EventType classifies build history events
type EventType string

const (
	EventTypeSubmitted EventType = "submitted"
	EventTypeCompleted EventType = "completed"
	EventTypeFailed    EventType = "failed"
	EventTypeCacheHit  EventType = "cache_hit"
)

// BuildEvent is a row in the build history table
type BuildEvent struct {
	ID        int64     `json:"id" db:"id"`
	JobID     string    `json:"job_id" db:"job_id"`
	EventType EventType `json:"event_type" db:"event_type"`
	BootMode  string    `json:"boot_mode,omitempty" db:"boot_mode"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
