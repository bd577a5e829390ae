package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus follows a queued unit of work through its lifecycle.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
)

// JobQueue separates interactive work from bulk/administrative fan-out.
type JobQueue string

const (
	QueueInteractive JobQueue = "interactive"
	QueueBulk        JobQueue = "bulk"
)

// Job is a persisted unit of background work. Delivery is at least once:
// handlers must be idempotent because a job that fails mid-run is rescheduled
// and may partially repeat.
type Job struct {
	BaseModel

	Type    string         `gorm:"not null;index" json:"type"`
	Queue   JobQueue       `gorm:"not null;default:'interactive'" json:"queue"`
	Payload datatypes.JSON `json:"payload"`

	Status      JobStatus `gorm:"not null;default:'scheduled';index:idx_jobs_status_run_at" json:"status"`
	RunAt       time.Time `gorm:"index:idx_jobs_status_run_at" json:"run_at"`
	Attempts    int       `gorm:"default:0" json:"attempts"`
	MaxAttempts int       `gorm:"default:5" json:"max_attempts"`

	LockedAt  *time.Time `json:"locked_at,omitempty"`
	LastError string     `gorm:"type:text" json:"last_error,omitempty"`
}
