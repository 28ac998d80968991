package manager

import (
	"context"
	"testing"
	"time"

	"github.com/geocoder89/manifold/internal/domain/deadletter"
	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/geocoder89/manifold/internal/domain/manifestgroup"
	"github.com/geocoder89/manifold/internal/domain/metadata"
	"github.com/geocoder89/manifold/internal/domain/workqueue"
)

// fakeStore implements store.Store with just enough behavior to drive
// enqueueDueCandidates deterministically.
type fakeStore struct {
	due        []manifest.Manifest
	groups     map[string]manifestgroup.Group
	activeJobs map[string]int
	awaiting   map[string]bool

	enqueued []workqueue.CreateRequest
	touched  []string
}

func (f *fakeStore) GetDueManifests(ctx context.Context, now time.Time, limit int) ([]manifest.Manifest, error) {
	return f.due, nil
}
func (f *fakeStore) GetManifest(ctx context.Context, id string) (manifest.Manifest, error) {
	return manifest.Manifest{}, manifest.ErrNotFound
}
func (f *fakeStore) GetManifestByExternalID(ctx context.Context, externalID string) (manifest.Manifest, error) {
	return manifest.Manifest{}, manifest.ErrNotFound
}
func (f *fakeStore) ListManifests(ctx context.Context) ([]manifest.Manifest, error) { return nil, nil }
func (f *fakeStore) CreateManifest(ctx context.Context, req manifest.CreateRequest) (manifest.Manifest, error) {
	return manifest.Manifest{}, nil
}
func (f *fakeStore) SetManifestEnabled(ctx context.Context, id string, enabled bool, note *string) error {
	return nil
}
func (f *fakeStore) TouchLastEnqueuedAt(ctx context.Context, id string, at time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}
func (f *fakeStore) SetLastSuccessfulRunAt(ctx context.Context, id string, at time.Time) error {
	return nil
}
func (f *fakeStore) GetManifestGroup(ctx context.Context, id string) (manifestgroup.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return manifestgroup.Group{}, manifestgroup.ErrNotFound
	}
	return g, nil
}
func (f *fakeStore) ListManifestGroups(ctx context.Context) ([]manifestgroup.Group, error) {
	return nil, nil
}
func (f *fakeStore) CreateManifestGroup(ctx context.Context, req manifestgroup.CreateRequest) (manifestgroup.Group, error) {
	return manifestgroup.Group{}, nil
}
func (f *fakeStore) CountActiveJobs(ctx context.Context, groupID string) (int, error) {
	return f.activeJobs[groupID], nil
}
func (f *fakeStore) DependencyCompletedSince(ctx context.Context, parentManifestID string, since time.Time) (bool, error) {
	return true, nil
}

func (f *fakeStore) AppendMetadata(ctx context.Context, row metadata.Metadata) (metadata.Metadata, error) {
	return metadata.Metadata{}, nil
}
func (f *fakeStore) GetMetadata(ctx context.Context, id string) (metadata.Metadata, error) {
	return metadata.Metadata{}, metadata.ErrNotFound
}
func (f *fakeStore) TransitionMetadata(ctx context.Context, id string, from, to metadata.WorkflowState, patch metadata.TransitionPatch) error {
	return nil
}
func (f *fakeStore) CountRecentFailures(ctx context.Context, manifestID string, sinceLastSuccess *time.Time) (int, error) {
	return 0, nil
}
func (f *fakeStore) CancelMetadata(ctx context.Context, id string) error { return nil }
func (f *fakeStore) ListStuckInProgress(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]metadata.Metadata, error) {
	return nil, nil
}
func (f *fakeStore) PurgeTerminalMetadata(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	return 0, nil
}
func (f *fakeStore) ListByManifest(ctx context.Context, manifestID string, limit int) ([]metadata.Metadata, error) {
	return nil, nil
}

func (f *fakeStore) Enqueue(ctx context.Context, req workqueue.CreateRequest) (workqueue.Entry, error) {
	f.enqueued = append(f.enqueued, req)
	return workqueue.New(req), nil
}
func (f *fakeStore) ClaimWorkQueue(ctx context.Context, limit int, now time.Time) ([]workqueue.Entry, error) {
	return nil, nil
}
func (f *fakeStore) ReleaseClaim(ctx context.Context, id string, priorityDelta int) error { return nil }
func (f *fakeStore) CancelQueued(ctx context.Context, id string) error                    { return nil }
func (f *fakeStore) ListQueued(ctx context.Context, limit int) ([]workqueue.Entry, error) {
	return nil, nil
}

func (f *fakeStore) UpsertDeadLetter(ctx context.Context, dl deadletter.DeadLetter) (deadletter.DeadLetter, error) {
	return dl, nil
}
func (f *fakeStore) GetAwaitingIntervention(ctx context.Context, manifestID string) (deadletter.DeadLetter, error) {
	if f.awaiting[manifestID] {
		return deadletter.DeadLetter{ManifestID: manifestID}, nil
	}
	return deadletter.DeadLetter{}, deadletter.ErrNotFound
}
func (f *fakeStore) ResolveDeadLetter(ctx context.Context, id string, status deadletter.Status, note *string, retryMetadataID *string) error {
	return nil
}
func (f *fakeStore) ListDeadLetters(ctx context.Context, status *deadletter.Status, limit int) ([]deadletter.DeadLetter, error) {
	return nil, nil
}
func (f *fakeStore) PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func onDemandManifest(id string, priority int) manifest.Manifest {
	return manifest.Manifest{
		ID:           id,
		Name:         "wf." + id,
		ScheduleType: manifest.ScheduleOnDemand,
		IsEnabled:    true,
		Priority:     priority,
	}
}

func TestEnqueueDueCandidates_OrdersByManifestPriority(t *testing.T) {
	low := onDemandManifest("low", 0)
	high := onDemandManifest("high", 10)
	// on_demand manifests never self-report due via schedule.IsDue, so use
	// an interval manifest with no prior run instead, which is always due.
	interval := 60
	low.ScheduleType = manifest.ScheduleInterval
	low.IntervalSeconds = &interval
	high.ScheduleType = manifest.ScheduleInterval
	high.IntervalSeconds = &interval

	fs := &fakeStore{
		due:      []manifest.Manifest{low, high},
		groups:   map[string]manifestgroup.Group{},
		awaiting: map[string]bool{},
	}

	m := New(Config{}, fs, nil, nil)
	if err := m.enqueueDueCandidates(context.Background(), time.Now()); err != nil {
		t.Fatalf("enqueueDueCandidates returned error: %v", err)
	}

	if len(fs.enqueued) != 2 {
		t.Fatalf("expected 2 enqueued, got %d", len(fs.enqueued))
	}
	if *fs.enqueued[0].ManifestID != "high" {
		t.Fatalf("expected higher-priority manifest enqueued first, got %s", *fs.enqueued[0].ManifestID)
	}
}

func TestEnqueueDueCandidates_SkipsDisabledManifest(t *testing.T) {
	interval := 60
	disabled := onDemandManifest("off", 0)
	disabled.ScheduleType = manifest.ScheduleInterval
	disabled.IntervalSeconds = &interval
	disabled.IsEnabled = false

	fs := &fakeStore{due: []manifest.Manifest{disabled}, groups: map[string]manifestgroup.Group{}, awaiting: map[string]bool{}}
	m := New(Config{}, fs, nil, nil)

	if err := m.enqueueDueCandidates(context.Background(), time.Now()); err != nil {
		t.Fatalf("enqueueDueCandidates returned error: %v", err)
	}
	if len(fs.enqueued) != 0 {
		t.Fatalf("expected disabled manifest skipped, got %d enqueued", len(fs.enqueued))
	}
}

func TestEnqueueDueCandidates_SkipsManifestAwaitingIntervention(t *testing.T) {
	interval := 60
	man := onDemandManifest("stuck", 0)
	man.ScheduleType = manifest.ScheduleInterval
	man.IntervalSeconds = &interval

	fs := &fakeStore{
		due:      []manifest.Manifest{man},
		groups:   map[string]manifestgroup.Group{},
		awaiting: map[string]bool{"stuck": true},
	}
	m := New(Config{}, fs, nil, nil)

	if err := m.enqueueDueCandidates(context.Background(), time.Now()); err != nil {
		t.Fatalf("enqueueDueCandidates returned error: %v", err)
	}
	if len(fs.enqueued) != 0 {
		t.Fatalf("expected dead-lettered manifest skipped, got %d enqueued", len(fs.enqueued))
	}
}

func TestEnqueueDueCandidates_RespectsGroupSaturation(t *testing.T) {
	interval := 60
	maxActive := 1
	groupID := "g1"

	a := onDemandManifest("a", 5)
	a.ScheduleType = manifest.ScheduleInterval
	a.IntervalSeconds = &interval
	a.ManifestGroupID = &groupID

	b := onDemandManifest("b", 1)
	b.ScheduleType = manifest.ScheduleInterval
	b.IntervalSeconds = &interval
	b.ManifestGroupID = &groupID

	fs := &fakeStore{
		due: []manifest.Manifest{a, b},
		groups: map[string]manifestgroup.Group{
			groupID: {ID: groupID, Name: "g1", MaxActiveJobs: &maxActive, IsEnabled: true},
		},
		activeJobs: map[string]int{},
		awaiting:   map[string]bool{},
	}

	m := New(Config{}, fs, nil, nil)
	if err := m.enqueueDueCandidates(context.Background(), time.Now()); err != nil {
		t.Fatalf("enqueueDueCandidates returned error: %v", err)
	}

	if len(fs.enqueued) != 1 {
		t.Fatalf("expected only 1 enqueued due to group saturation (max 1 active), got %d", len(fs.enqueued))
	}
	if *fs.enqueued[0].ManifestID != "a" {
		t.Fatalf("expected higher-priority manifest 'a' to win the single slot, got %s", *fs.enqueued[0].ManifestID)
	}
}
