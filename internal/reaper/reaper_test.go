package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/geocoder89/manifold/internal/domain/metadata"
)

type fakeStore struct {
	stuck        []metadata.Metadata
	listErr      error
	transitioned []string
	conflictIDs  map[string]bool
}

func (f *fakeStore) ListStuckInProgress(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]metadata.Metadata, error) {
	return f.stuck, f.listErr
}

func (f *fakeStore) TransitionMetadata(ctx context.Context, id string, from, to metadata.WorkflowState, patch metadata.TransitionPatch) error {
	if f.conflictIDs[id] {
		return metadata.ErrStateConflict
	}
	f.transitioned = append(f.transitioned, id)
	return nil
}

func TestReaper_RunRecoversStuckJobs(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		stuck: []metadata.Metadata{
			{ID: "m1", WorkflowState: metadata.StateInProgress},
			{ID: "m2", WorkflowState: metadata.StateInProgress},
		},
		conflictIDs: map[string]bool{},
	}

	r := &Reaper{store: fs, defaultTimeout: 30 * time.Minute}
	n, err := r.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recovered, got %d", n)
	}
	if len(fs.transitioned) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(fs.transitioned))
	}
}

func TestReaper_RunSkipsConcurrentConflict(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		stuck: []metadata.Metadata{
			{ID: "m1", WorkflowState: metadata.StateInProgress},
			{ID: "m2", WorkflowState: metadata.StateInProgress},
		},
		conflictIDs: map[string]bool{"m1": true},
	}

	r := &Reaper{store: fs, defaultTimeout: 30 * time.Minute}
	n, err := r.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered (one conflict skipped), got %d", n)
	}
}

func TestReaper_RunPropagatesListError(t *testing.T) {
	fs := &fakeStore{listErr: errors.New("db down")}
	r := &Reaper{store: fs, defaultTimeout: 30 * time.Minute}

	_, err := r.Run(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
