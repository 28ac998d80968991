package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/geocoder89/manifold/internal/domain/deadletter"
	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/geocoder89/manifold/internal/domain/manifestgroup"
	"github.com/geocoder89/manifold/internal/domain/metadata"
	"github.com/geocoder89/manifold/internal/domain/workqueue"
	"github.com/geocoder89/manifold/internal/taskserver"
)

// fakeStore implements store.Store with just enough behavior for the
// dispatcher scenarios under test; everything else panics if exercised.
type fakeStore struct {
	mu sync.Mutex

	manifests map[string]manifest.Manifest
	groups    map[string]manifestgroup.Group
	metadatas map[string]metadata.Metadata
	queue     []workqueue.Entry

	transitions   []string
	recentFailure int
	enqueued      []workqueue.CreateRequest
	cancelled     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		manifests: make(map[string]manifest.Manifest),
		groups:    make(map[string]manifestgroup.Group),
		metadatas: make(map[string]metadata.Metadata),
	}
}

func (f *fakeStore) GetDueManifests(ctx context.Context, now time.Time, limit int) ([]manifest.Manifest, error) {
	panic("not used")
}
func (f *fakeStore) GetManifest(ctx context.Context, id string) (manifest.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manifests[id], nil
}
func (f *fakeStore) GetManifestByExternalID(ctx context.Context, externalID string) (manifest.Manifest, error) {
	panic("not used")
}
func (f *fakeStore) ListManifests(ctx context.Context) ([]manifest.Manifest, error) { panic("not used") }
func (f *fakeStore) CreateManifest(ctx context.Context, req manifest.CreateRequest) (manifest.Manifest, error) {
	panic("not used")
}
func (f *fakeStore) SetManifestEnabled(ctx context.Context, id string, enabled bool, note *string) error {
	panic("not used")
}
func (f *fakeStore) TouchLastEnqueuedAt(ctx context.Context, id string, at time.Time) error {
	panic("not used")
}
func (f *fakeStore) SetLastSuccessfulRunAt(ctx context.Context, id string, at time.Time) error {
	panic("not used")
}
func (f *fakeStore) GetManifestGroup(ctx context.Context, id string) (manifestgroup.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[id], nil
}
func (f *fakeStore) ListManifestGroups(ctx context.Context) ([]manifestgroup.Group, error) {
	panic("not used")
}
func (f *fakeStore) CreateManifestGroup(ctx context.Context, req manifestgroup.CreateRequest) (manifestgroup.Group, error) {
	panic("not used")
}
func (f *fakeStore) CountActiveJobs(ctx context.Context, groupID string) (int, error) {
	panic("not used")
}
func (f *fakeStore) DependencyCompletedSince(ctx context.Context, parentManifestID string, since time.Time) (bool, error) {
	panic("not used")
}

func (f *fakeStore) AppendMetadata(ctx context.Context, row metadata.Metadata) (metadata.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.ID == "" {
		row.ID = "md-" + row.Name
	}
	f.metadatas[row.ID] = row
	return row, nil
}
func (f *fakeStore) GetMetadata(ctx context.Context, id string) (metadata.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadatas[id], nil
}
func (f *fakeStore) TransitionMetadata(ctx context.Context, id string, from, to metadata.WorkflowState, patch metadata.TransitionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.metadatas[id]
	if !ok || m.WorkflowState != from {
		return metadata.ErrStateConflict
	}
	m.WorkflowState = to
	f.metadatas[id] = m
	f.transitions = append(f.transitions, string(from)+"->"+string(to))
	return nil
}
func (f *fakeStore) CountRecentFailures(ctx context.Context, manifestID string, sinceLastSuccess *time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recentFailure, nil
}
func (f *fakeStore) ListStuckInProgress(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]metadata.Metadata, error) {
	panic("not used")
}
func (f *fakeStore) PurgeTerminalMetadata(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	panic("not used")
}
func (f *fakeStore) ListByManifest(ctx context.Context, manifestID string, limit int) ([]metadata.Metadata, error) {
	panic("not used")
}
func (f *fakeStore) CancelMetadata(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	m, ok := f.metadatas[id]
	if !ok || m.WorkflowState.IsTerminal() {
		return metadata.ErrStateConflict
	}
	m.WorkflowState = metadata.StateCancelled
	f.metadatas[id] = m
	return nil
}

func (f *fakeStore) Enqueue(ctx context.Context, req workqueue.CreateRequest) (workqueue.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, req)
	return workqueue.New(req), nil
}
func (f *fakeStore) ClaimWorkQueue(ctx context.Context, limit int, now time.Time) ([]workqueue.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := limit
	if n > len(f.queue) {
		n = len(f.queue)
	}
	claimed := f.queue[:n]
	f.queue = f.queue[n:]
	return claimed, nil
}
func (f *fakeStore) ReleaseClaim(ctx context.Context, id string, priorityDelta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, workqueue.Entry{ID: id})
	return nil
}
func (f *fakeStore) CancelQueued(ctx context.Context, id string) error { panic("not used") }
func (f *fakeStore) ListQueued(ctx context.Context, limit int) ([]workqueue.Entry, error) {
	panic("not used")
}

func (f *fakeStore) UpsertDeadLetter(ctx context.Context, dl deadletter.DeadLetter) (deadletter.DeadLetter, error) {
	panic("not used")
}
func (f *fakeStore) GetAwaitingIntervention(ctx context.Context, manifestID string) (deadletter.DeadLetter, error) {
	panic("not used")
}
func (f *fakeStore) ResolveDeadLetter(ctx context.Context, id string, status deadletter.Status, note *string, retryMetadataID *string) error {
	panic("not used")
}
func (f *fakeStore) ListDeadLetters(ctx context.Context, status *deadletter.Status, limit int) ([]deadletter.DeadLetter, error) {
	panic("not used")
}
func (f *fakeStore) PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	panic("not used")
}

type fakeBus struct {
	output []byte
	err    error
}

func (b *fakeBus) RunByName(ctx context.Context, workflowName string, inputJSON []byte, parentMetadataID *string) ([]byte, error) {
	return b.output, b.err
}

func syncTaskServerFactory(run taskserver.Runner) taskserver.TaskServer {
	return &syncTaskServer{run: run}
}

// syncTaskServer runs the Runner inline so tests don't need to wait on a
// task-server goroutine; drain covers the handle goroutines pollOnce starts.
type syncTaskServer struct {
	run taskserver.Runner
}

func (s *syncTaskServer) Enqueue(ctx context.Context, metadataID string, workflowName string, inputJSON []byte) (taskserver.Handle, error) {
	s.run(ctx, metadataID, workflowName, inputJSON)
	return taskserver.Handle(metadataID), nil
}
func (s *syncTaskServer) EnqueueRecurring(ctx context.Context, id string, cronExpr string, callback taskserver.RecurringCallback) error {
	return nil
}
func (s *syncTaskServer) Cancel(ctx context.Context, handle taskserver.Handle) error { return nil }

// drain waits until every handle goroutine started by pollOnce has
// returned, by taking all of the dispatcher's pool slots.
func drain(d *Dispatcher) {
	for i := 0; i < cap(d.pool); i++ {
		d.pool <- struct{}{}
	}
}

func TestDispatcher_HandleSuccessTransitionsToCompleted(t *testing.T) {
	fs := newFakeStore()
	fs.manifests["m1"] = manifest.Manifest{ID: "m1", Name: "send_email"}
	fs.queue = []workqueue.Entry{{ID: "wq1", WorkflowName: "send_email", ManifestID: strPtr("m1"), CreatedAt: time.Now().UTC()}}

	bus := &fakeBus{output: []byte(`{"ok":true}`)}
	d := New(Config{MaxActiveDispatchers: 2, PollInterval: time.Hour}, fs, bus, syncTaskServerFactory, nil, nil)

	d.pollOnce(context.Background())
	drain(d)

	if len(fs.transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d: %v", len(fs.transitions), fs.transitions)
	}
	if fs.transitions[0] != "pending->in_progress" || fs.transitions[1] != "in_progress->completed" {
		t.Fatalf("unexpected transitions: %v", fs.transitions)
	}
}

func TestDispatcher_HandleWorkflowFailureTransitionsToFailed(t *testing.T) {
	fs := newFakeStore()
	fs.manifests["m1"] = manifest.Manifest{ID: "m1", Name: "send_email"}
	fs.queue = []workqueue.Entry{{ID: "wq1", WorkflowName: "send_email", ManifestID: strPtr("m1"), CreatedAt: time.Now().UTC()}}

	bus := &fakeBus{err: errBoom}
	d := New(Config{MaxActiveDispatchers: 2, PollInterval: time.Hour}, fs, bus, syncTaskServerFactory, nil, nil)

	d.pollOnce(context.Background())
	drain(d)

	if len(fs.transitions) != 2 || fs.transitions[1] != "in_progress->failed" {
		t.Fatalf("unexpected transitions: %v", fs.transitions)
	}
}

func TestDispatcher_HandleWorkflowFailureRequeuesWithBackoffWhenRetriesRemain(t *testing.T) {
	fs := newFakeStore()
	fs.manifests["m1"] = manifest.Manifest{ID: "m1", Name: "send_email", MaxRetries: 3, Priority: 5}
	fs.queue = []workqueue.Entry{{ID: "wq1", WorkflowName: "send_email", ManifestID: strPtr("m1"), CreatedAt: time.Now().UTC()}}
	fs.recentFailure = 1

	bus := &fakeBus{err: errBoom}
	d := New(Config{MaxActiveDispatchers: 2, PollInterval: time.Hour}, fs, bus, syncTaskServerFactory, nil, nil)

	d.pollOnce(context.Background())
	drain(d)

	if len(fs.enqueued) != 1 {
		t.Fatalf("expected 1 requeue, got %d", len(fs.enqueued))
	}
	req := fs.enqueued[0]
	if req.RunAfter == nil || !req.RunAfter.After(time.Now().UTC()) {
		t.Fatalf("expected RunAfter set in the future, got %v", req.RunAfter)
	}
	if req.Priority != 5+1 {
		t.Fatalf("expected aged priority 6, got %d", req.Priority)
	}
}

func TestDispatcher_HandleWorkflowFailureSkipsRequeueAtMaxRetries(t *testing.T) {
	fs := newFakeStore()
	fs.manifests["m1"] = manifest.Manifest{ID: "m1", Name: "send_email", MaxRetries: 1}
	fs.queue = []workqueue.Entry{{ID: "wq1", WorkflowName: "send_email", ManifestID: strPtr("m1"), CreatedAt: time.Now().UTC()}}
	fs.recentFailure = 1

	bus := &fakeBus{err: errBoom}
	d := New(Config{MaxActiveDispatchers: 2, PollInterval: time.Hour}, fs, bus, syncTaskServerFactory, nil, nil)

	d.pollOnce(context.Background())
	drain(d)

	if len(fs.enqueued) != 0 {
		t.Fatalf("expected no requeue once retries are exhausted, got %d", len(fs.enqueued))
	}
}

func TestDispatcher_GroupSemaphoreBlocksOverCapacity(t *testing.T) {
	fs := newFakeStore()
	max := 1
	fs.groups["g1"] = manifestgroup.Group{ID: "g1", MaxActiveJobs: &max, IsEnabled: true}
	fs.manifests["m1"] = manifest.Manifest{ID: "m1", Name: "a", ManifestGroupID: strPtr("g1")}
	fs.manifests["m2"] = manifest.Manifest{ID: "m2", Name: "b", ManifestGroupID: strPtr("g1")}

	d := New(Config{MaxActiveDispatchers: 4, PollInterval: time.Hour}, fs, &fakeBus{}, syncTaskServerFactory, nil, nil)

	if !d.tryAcquire("g1", fs.groups["g1"].MaxActiveJobs) {
		t.Fatal("first acquire should succeed")
	}
	if d.tryAcquire("g1", fs.groups["g1"].MaxActiveJobs) {
		t.Fatal("second acquire should fail while capacity is exhausted")
	}
	d.release("g1")
	if !d.tryAcquire("g1", fs.groups["g1"].MaxActiveJobs) {
		t.Fatal("acquire should succeed again after release")
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "workflow boom" }
