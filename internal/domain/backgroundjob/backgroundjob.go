// Package backgroundjob mirrors the opaque task-server handle kept around
// purely for dashboard visibility. Its lifecycle is owned by the
// task-server adapter, not by the scheduler core.
package backgroundjob

import "time"

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// BackgroundJob is a read-only projection of a task-server handle.
type BackgroundJob struct {
	ID         string     `json:"id"`
	MetadataID string     `json:"metadataId"`
	Handle     string     `json:"handle"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
