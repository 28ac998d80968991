// Package dispatcher is the concurrent consumer of WorkQueue: a bounded
// pool sized to maxActiveDispatchers plus a per-group semaphore, modeled
// on the teacher's Worker.runWorker fixed-size goroutine pool fed by a
// channel, generalized with the per-group semaphore the teacher's single
// global pool never needed.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/geocoder89/manifold/internal/alerting"
	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/geocoder89/manifold/internal/domain/metadata"
	"github.com/geocoder89/manifold/internal/domain/workqueue"
	"github.com/geocoder89/manifold/internal/observability"
	"github.com/geocoder89/manifold/internal/registry"
	"github.com/geocoder89/manifold/internal/retry"
	"github.com/geocoder89/manifold/internal/store"
	"github.com/geocoder89/manifold/internal/taskserver"
	"github.com/geocoder89/manifold/internal/workflowbus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const reasonEnqueueFailed = "EnqueueFailed"

var tracer = otel.Tracer("manifold-dispatcher")

type Config struct {
	MaxActiveDispatchers int
	PollInterval         time.Duration
	// GroupReconcileEvery is how many poll ticks elapse between
	// resyncing the in-process group semaphore against
	// store.CountActiveJobs; the semaphore otherwise starts cold on
	// every restart and can briefly admit more than MaxActiveJobs.
	GroupReconcileEvery int
}

// TaskServerFactory builds the TaskServer implementation around a Runner
// the Dispatcher controls, so the Dispatcher can observe completion and
// release its own per-group semaphore without the TaskServer needing to
// know about groups at all.
type TaskServerFactory func(run taskserver.Runner) taskserver.TaskServer

type groupSlot struct {
	sem chan struct{}
}

// Dispatcher claims WorkQueue rows and hands them to the task server,
// tracking a semaphore per manifest group so at most group.MaxActiveJobs
// metadatas run concurrently within that group.
type Dispatcher struct {
	cfg        Config
	store      store.Store
	bus        workflowbus.Bus
	taskServer taskserver.TaskServer
	alerter    alerting.Alerter
	metrics    *observability.SchedulerMetrics

	pool chan struct{} // bounded worker-pool slots

	groupsMu sync.Mutex
	groups   map[string]*groupSlot

	inFlightMu sync.Mutex
	inFlight   map[string]string // metadataID -> groupID (groupID == "" when ungrouped)

	pendingMu       sync.Mutex
	pendingManifest map[string]manifest.Manifest // metadataID -> originating manifest, read back for retry evaluation

	// wg brackets every dispatch from hand-off to the task server through
	// runWorkflow returning, so Stop can wait for in-flight work to drain.
	wg sync.WaitGroup
}

func New(cfg Config, s store.Store, bus workflowbus.Bus, factory TaskServerFactory, alerter alerting.Alerter, metrics *observability.SchedulerMetrics) *Dispatcher {
	if cfg.MaxActiveDispatchers <= 0 {
		cfg.MaxActiveDispatchers = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.GroupReconcileEvery <= 0 {
		cfg.GroupReconcileEvery = 20
	}

	d := &Dispatcher{
		cfg:             cfg,
		store:           s,
		bus:             bus,
		alerter:         alerter,
		metrics:         metrics,
		pool:            make(chan struct{}, cfg.MaxActiveDispatchers),
		groups:          make(map[string]*groupSlot),
		inFlight:        make(map[string]string),
		pendingManifest: make(map[string]manifest.Manifest),
	}
	d.taskServer = factory(d.runWorkflow)
	return d
}

// Run polls for free pool slots and claims work to fill them until ctx is
// cancelled. It reconciles the group semaphore against the store once at
// startup and again every GroupReconcileEvery ticks.
func (d *Dispatcher) Run(ctx context.Context) {
	d.reconcileGroupCapacity(ctx)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			slog.Default().InfoContext(ctx, "dispatcher.shutdown_signal_received")
			return
		case <-ticker.C:
			tick++
			d.pollOnce(ctx)
			if tick%d.cfg.GroupReconcileEvery == 0 {
				d.reconcileGroupCapacity(ctx)
			}
		}
	}
}

// Stop waits up to deadline for dispatches already handed to the task
// server to finish. Anything still running past the deadline has its
// Metadata forced to Cancelled so it isn't left permanently InProgress
// just because the process exited underneath it, mirroring the
// teacher's ShutdownGrace drain-then-give-up shape in Worker.Run.
func (d *Dispatcher) Stop(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Default().InfoContext(context.Background(), "dispatcher.stop_drained")
		return
	case <-time.After(deadline):
	}

	d.inFlightMu.Lock()
	stuck := make([]string, 0, len(d.inFlight))
	for metadataID := range d.inFlight {
		stuck = append(stuck, metadataID)
	}
	d.inFlightMu.Unlock()

	for _, metadataID := range stuck {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.store.CancelMetadata(cctx, metadataID); err != nil && !errors.Is(err, metadata.ErrStateConflict) {
			slog.Default().ErrorContext(cctx, "dispatcher.stop_force_cancel_failed", "metadata_id", metadataID, "err", err)
		}
		cancel()
	}
	slog.Default().InfoContext(context.Background(), "dispatcher.stop_shutdown_grace_exceeded", "forced", len(stuck))
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().ErrorContext(ctx, "dispatcher.poll_panic_recovered", "panic", r)
		}
	}()

	free := cap(d.pool) - len(d.pool)
	if free <= 0 {
		return
	}

	entries, err := d.store.ClaimWorkQueue(ctx, free, time.Now().UTC())
	if err != nil {
		slog.Default().ErrorContext(ctx, "dispatcher.claim_error", "err", err)
		return
	}

	for _, entry := range entries {
		d.pool <- struct{}{}
		go func(e workqueue.Entry) {
			defer func() { <-d.pool }()
			d.handle(ctx, e)
		}(entry)
	}
}

// reconcileGroupCapacity rebuilds every known manifest group's semaphore
// from store.CountActiveJobs, so a restarted dispatcher doesn't start
// every group's counter at zero and briefly over-admit past
// MaxActiveJobs (P5).
func (d *Dispatcher) reconcileGroupCapacity(ctx context.Context) {
	groups, err := d.store.ListManifestGroups(ctx)
	if err != nil {
		slog.Default().ErrorContext(ctx, "dispatcher.reconcile_groups_list_error", "err", err)
		return
	}

	for _, g := range groups {
		active, err := d.store.CountActiveJobs(ctx, g.ID)
		if err != nil {
			slog.Default().ErrorContext(ctx, "dispatcher.reconcile_group_count_error", "group_id", g.ID, "err", err)
			continue
		}

		capacity := 1 << 20
		if g.MaxActiveJobs != nil && *g.MaxActiveJobs > 0 {
			capacity = *g.MaxActiveJobs
		}

		d.groupsMu.Lock()
		slot, ok := d.groups[g.ID]
		if !ok {
			slot = &groupSlot{sem: make(chan struct{}, capacity)}
			d.groups[g.ID] = slot
		}
		for len(slot.sem) > 0 {
			<-slot.sem
		}
		for i := 0; i < active && i < cap(slot.sem); i++ {
			slot.sem <- struct{}{}
		}
		d.groupsMu.Unlock()
	}
}

// handle implements §4.6 step 2: acquire the group semaphore, append a
// Pending metadata row, and hand off to the task server.
func (d *Dispatcher) handle(ctx context.Context, entry workqueue.Entry) {
	ctx, span := tracer.Start(ctx, "dispatch.handle", trace.WithAttributes(
		attribute.String("work_queue.id", entry.ID),
		attribute.String("workflow.name", entry.WorkflowName),
	))
	defer span.End()

	var man *manifest.Manifest
	if entry.ManifestID != nil {
		fetched, err := d.store.GetManifest(ctx, *entry.ManifestID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "get_manifest_failed")
			slog.Default().ErrorContext(ctx, "dispatcher.get_manifest_error", "manifest_id", *entry.ManifestID, "err", err)
			d.releaseClaim(ctx, entry, 1)
			return
		}
		man = &fetched
	}

	var groupID string
	if man != nil && man.ManifestGroupID != nil {
		groupID = *man.ManifestGroupID
		group, err := d.store.GetManifestGroup(ctx, groupID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "get_manifest_group_failed")
			slog.Default().ErrorContext(ctx, "dispatcher.get_manifest_group_error", "group_id", groupID, "err", err)
			d.releaseClaim(ctx, entry, 1)
			return
		}

		if !d.tryAcquire(groupID, group.MaxActiveJobs) {
			// anti-starvation: bump priority and let the next poll retry
			d.releaseClaim(ctx, entry, 1)
			return
		}
	}

	now := time.Now().UTC()
	created, err := d.store.AppendMetadata(ctx, metadata.New(metadata.CreateRequest{
		ManifestID:    entry.ManifestID,
		Name:          entry.WorkflowName,
		Executor:      "dispatcher",
		ScheduledTime: &entry.CreatedAt,
		StartTime:     now,
		InputJSON:     entry.InputJSON,
	}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append_metadata_failed")
		slog.Default().ErrorContext(ctx, "dispatcher.append_metadata_error", "workflow", entry.WorkflowName, "err", err)
		if groupID != "" {
			d.release(groupID)
		}
		return
	}

	span.SetAttributes(attribute.String("metadata.id", created.ID))
	d.trackInFlight(created.ID, groupID)
	if man != nil {
		d.trackManifest(created.ID, *man)
	}

	d.wg.Add(1)
	handle, err := d.taskServer.Enqueue(ctx, created.ID, entry.WorkflowName, entry.InputJSON)
	if err != nil {
		d.wg.Done()
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue_failed")

		reason := reasonEnqueueFailed
		patch := metadata.TransitionPatch{EndTime: &now, FailureReason: &reason, FailureException: strPtr(err.Error())}
		if tErr := d.store.TransitionMetadata(ctx, created.ID, metadata.StatePending, metadata.StateFailed, patch); tErr != nil {
			slog.Default().ErrorContext(ctx, "dispatcher.transition_to_failed_error", "metadata_id", created.ID, "err", tErr)
		}
		if d.metrics != nil {
			d.metrics.IncFailed()
		}
		d.releaseInFlight(created.ID)
		d.discardManifest(created.ID)
		return
	}
	_ = handle

	// ErrStateConflict here means runWorkflow already moved the row on.
	if err := d.store.TransitionMetadata(ctx, created.ID, metadata.StatePending, metadata.StateInProgress, metadata.TransitionPatch{StartTime: &now}); err != nil && !errors.Is(err, metadata.ErrStateConflict) {
		slog.Default().ErrorContext(ctx, "dispatcher.transition_to_in_progress_error", "metadata_id", created.ID, "err", err)
	}
	if d.metrics != nil {
		d.metrics.IncDispatched()
	}
}

// runWorkflow is the taskserver.Runner the in-process TaskServer invokes;
// it moves the metadata to InProgress if handle has not done so yet, calls
// the workflow bus and transitions the metadata to its terminal state,
// evaluates the retry/dead-letter decision on failure, then releases the
// group slot and in-flight bookkeeping it was holding.
func (d *Dispatcher) runWorkflow(ctx context.Context, metadataID string, workflowName string, inputJSON []byte) {
	ctx, span := tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("metadata.id", metadataID),
		attribute.String("workflow.name", workflowName),
	))
	defer span.End()
	defer d.wg.Done()
	defer d.releaseInFlight(metadataID)

	// The task server may start the work before Enqueue has returned to
	// handle; whichever of the two runs first moves the row to InProgress.
	startedAt := time.Now().UTC()
	if err := d.store.TransitionMetadata(ctx, metadataID, metadata.StatePending, metadata.StateInProgress, metadata.TransitionPatch{StartTime: &startedAt}); err != nil && !errors.Is(err, metadata.ErrStateConflict) {
		slog.Default().ErrorContext(ctx, "dispatcher.transition_to_in_progress_error", "metadata_id", metadataID, "err", err)
	}

	output, err := d.bus.RunByName(ctx, workflowName, inputJSON, nil)
	now := time.Now().UTC()

	man, hasManifest := d.takeManifest(metadataID)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if errors.Is(err, registry.ErrUnknownWorkflow) && d.alerter != nil {
			_ = d.alerter.Alert(ctx, alerting.UnknownWorkflow(man.ID, workflowName))
		}

		reason := err.Error()
		patch := metadata.TransitionPatch{EndTime: &now, FailureException: &reason, FailureReason: strPtr("WorkflowFailure")}
		if tErr := d.store.TransitionMetadata(ctx, metadataID, metadata.StateInProgress, metadata.StateFailed, patch); tErr != nil {
			slog.Default().ErrorContext(ctx, "dispatcher.transition_to_failed_error", "metadata_id", metadataID, "err", tErr)
		}
		if d.metrics != nil {
			d.metrics.IncFailed()
		}

		slog.Default().ErrorContext(ctx, "dispatcher.workflow_failed",
			"metadata_id", metadataID, "workflow", workflowName, "err", err)

		if hasManifest {
			d.evaluateRetry(ctx, man, workflowName, inputJSON)
		}
		return
	}

	patch := metadata.TransitionPatch{EndTime: &now, OutputJSON: output}
	if tErr := d.store.TransitionMetadata(ctx, metadataID, metadata.StateInProgress, metadata.StateCompleted, patch); tErr != nil {
		slog.Default().ErrorContext(ctx, "dispatcher.transition_to_completed_error", "metadata_id", metadataID, "err", tErr)
	}
	if d.metrics != nil {
		d.metrics.IncCompleted()
	}
	slog.Default().InfoContext(ctx, "dispatcher.workflow_completed", "metadata_id", metadataID, "workflow", workflowName)
}

// evaluateRetry implements §4.7: on a Failed terminal transition, decide
// whether the manifest has budget left and, if so, re-append a WorkQueue
// row at now+backoff with priority aged by attempts. When the budget is
// exhausted it does nothing further — the next Manager cycle's
// promoteDeadLetters step is what actually parks the manifest.
func (d *Dispatcher) evaluateRetry(ctx context.Context, man manifest.Manifest, workflowName string, inputJSON []byte) {
	decision, err := retry.Evaluate(ctx, d.store, man)
	if err != nil {
		slog.Default().ErrorContext(ctx, "dispatcher.retry_evaluate_error", "manifest_id", man.ID, "err", err)
		return
	}
	if decision.DeadLetter {
		return
	}

	runAfter := time.Now().UTC().Add(decision.Delay)
	manifestID := man.ID
	_, err = d.store.Enqueue(ctx, workqueue.CreateRequest{
		WorkflowName: workflowName,
		InputJSON:    inputJSON,
		ManifestID:   &manifestID,
		Priority:     man.Priority + decision.Attempts,
		RunAfter:     &runAfter,
	})
	if err != nil {
		slog.Default().ErrorContext(ctx, "dispatcher.retry_requeue_failed", "manifest_id", man.ID, "err", err)
		return
	}

	if d.metrics != nil {
		d.metrics.IncRetried()
	}
	slog.Default().InfoContext(ctx, "dispatcher.retry_scheduled",
		"manifest_id", man.ID, "attempt", decision.Attempts, "run_after", runAfter, "delay", decision.Delay)
}

func (d *Dispatcher) releaseClaim(ctx context.Context, entry workqueue.Entry, priorityDelta int) {
	if err := d.store.ReleaseClaim(ctx, entry.ID, priorityDelta); err != nil {
		slog.Default().ErrorContext(ctx, "dispatcher.release_claim_error", "work_queue_id", entry.ID, "err", err)
	}
}

func (d *Dispatcher) tryAcquire(groupID string, maxActiveJobs *int) bool {
	d.groupsMu.Lock()
	slot, ok := d.groups[groupID]
	if !ok {
		capacity := 1 << 20 // effectively unbounded
		if maxActiveJobs != nil && *maxActiveJobs > 0 {
			capacity = *maxActiveJobs
		}
		slot = &groupSlot{sem: make(chan struct{}, capacity)}
		d.groups[groupID] = slot
	}
	d.groupsMu.Unlock()

	select {
	case slot.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) release(groupID string) {
	if groupID == "" {
		return
	}
	d.groupsMu.Lock()
	slot, ok := d.groups[groupID]
	d.groupsMu.Unlock()
	if !ok {
		return
	}
	select {
	case <-slot.sem:
	default:
	}
}

func (d *Dispatcher) trackInFlight(metadataID, groupID string) {
	d.inFlightMu.Lock()
	d.inFlight[metadataID] = groupID
	d.inFlightMu.Unlock()
}

func (d *Dispatcher) releaseInFlight(metadataID string) {
	d.inFlightMu.Lock()
	groupID, ok := d.inFlight[metadataID]
	if ok {
		delete(d.inFlight, metadataID)
	}
	d.inFlightMu.Unlock()

	if ok {
		d.release(groupID)
	}
}

func (d *Dispatcher) trackManifest(metadataID string, m manifest.Manifest) {
	d.pendingMu.Lock()
	d.pendingManifest[metadataID] = m
	d.pendingMu.Unlock()
}

func (d *Dispatcher) takeManifest(metadataID string) (manifest.Manifest, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	m, ok := d.pendingManifest[metadataID]
	if ok {
		delete(d.pendingManifest, metadataID)
	}
	return m, ok
}

func (d *Dispatcher) discardManifest(metadataID string) {
	d.pendingMu.Lock()
	delete(d.pendingManifest, metadataID)
	d.pendingMu.Unlock()
}

func strPtr(s string) *string { return &s }
