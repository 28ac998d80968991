// Package reaper implements the stuck-job recovery step the Manager runs
// at the start of every cycle (and once at startup when configured):
// transition timed-out InProgress metadata to Failed.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/geocoder89/manifold/internal/domain/metadata"
	"github.com/geocoder89/manifold/internal/store"
)

const timeoutReason = "Timeout"

// Store is the subset of store.MetadataStore the reaper needs.
type Store interface {
	ListStuckInProgress(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]metadata.Metadata, error)
	TransitionMetadata(ctx context.Context, id string, from, to metadata.WorkflowState, patch metadata.TransitionPatch) error
}

// Reaper recovers InProgress metadata stuck past its timeout.
type Reaper struct {
	store          Store
	defaultTimeout time.Duration
}

func New(s store.MetadataStore, defaultTimeout time.Duration) *Reaper {
	return &Reaper{store: s, defaultTimeout: defaultTimeout}
}

// Run transitions every stuck InProgress metadata to Failed with
// failureReason="Timeout", returning how many rows it recovered. A
// concurrent writer that already moved the row surfaces as
// ErrStateConflict, which the reaper treats as someone-else-got-there and
// skips rather than propagating.
func (r *Reaper) Run(ctx context.Context, now time.Time) (int, error) {
	stuck, err := r.store.ListStuckInProgress(ctx, now, r.defaultTimeout)
	if err != nil {
		return 0, err
	}

	recovered := 0
	reason := timeoutReason
	for _, m := range stuck {
		patch := metadata.TransitionPatch{
			EndTime:       &now,
			FailureReason: &reason,
		}
		if err := r.store.TransitionMetadata(ctx, m.ID, metadata.StateInProgress, metadata.StateFailed, patch); err != nil {
			if err == metadata.ErrStateConflict {
				continue
			}
			log.Printf("reaper: transition failed metadata_id=%s err=%v", m.ID, err)
			continue
		}
		recovered++
	}

	return recovered, nil
}
