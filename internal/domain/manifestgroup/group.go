// Package manifestgroup defines the coarse concurrency/ownership unit
// manifests belong to.
package manifestgroup

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("manifest group not found")

// Group is the concurrency unit manifests are scheduled under.
type Group struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MaxActiveJobs *int      `json:"maxActiveJobs,omitempty"`
	Priority      int       `json:"priority"`
	IsEnabled     bool      `json:"isEnabled"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Unsaturated reports whether activeJobs leaves room for another dispatch.
// A nil MaxActiveJobs means unbounded.
func (g Group) Unsaturated(activeJobs int) bool {
	if g.MaxActiveJobs == nil {
		return true
	}
	return activeJobs < *g.MaxActiveJobs
}

type CreateRequest struct {
	Name          string
	MaxActiveJobs *int
	Priority      int
}

func New(req CreateRequest) Group {
	now := time.Now().UTC()
	return Group{
		Name:          req.Name,
		MaxActiveJobs: req.MaxActiveJobs,
		Priority:      req.Priority,
		IsEnabled:     true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
