// Package workqueue defines the dispatch-request entity the Manager
// produces and the Dispatcher claims.
package workqueue

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusCancelled  Status = "cancelled"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusDispatched, StatusCancelled:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound      = errors.New("work queue entry not found")
	ErrStateConflict = errors.New("work queue entry already claimed or cancelled")
)

// Entry is a single dispatch request.
type Entry struct {
	ID            string     `json:"id"`
	WorkflowName  string     `json:"workflowName"`
	InputJSON     []byte     `json:"inputJson,omitempty"`
	InputTypeName string     `json:"inputTypeName,omitempty"`
	ManifestID    *string    `json:"manifestId,omitempty"`
	Priority      int        `json:"priority"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	DispatchedAt  *time.Time `json:"dispatchedAt,omitempty"`
	// RunAfter, when set, makes the row unclaimable until that instant even
	// though it's Queued — the retry backoff delay computed by
	// internal/retry rides on this instead of a separate deferred-insert
	// mechanism.
	RunAfter *time.Time `json:"runAfter,omitempty"`
}

type CreateRequest struct {
	WorkflowName  string
	InputJSON     []byte
	InputTypeName string
	ManifestID    *string
	Priority      int
	RunAfter      *time.Time
}

func New(req CreateRequest) Entry {
	return Entry{
		WorkflowName:  req.WorkflowName,
		InputJSON:     req.InputJSON,
		InputTypeName: req.InputTypeName,
		ManifestID:    req.ManifestID,
		Priority:      req.Priority,
		Status:        StatusQueued,
		CreatedAt:     time.Now().UTC(),
		RunAfter:      req.RunAfter,
	}
}
