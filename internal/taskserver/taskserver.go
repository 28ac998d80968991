// Package taskserver is the external-collaborator boundary the dispatcher
// hands claimed work to. The core only assumes enqueued work eventually
// runs, recurring work fires at approximately its cadence, and
// cancellation is best-effort — the task server is never authoritative
// about Metadata state.
package taskserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/geocoder89/manifold/internal/domain/backgroundjob"
	"github.com/geocoder89/manifold/internal/idgen"
)

var ErrCancelled = errors.New("taskserver: handle not found or already finished")

// Handle is an opaque reference to an in-flight unit of work, surfaced to
// operators via the BackgroundJob projection.
type Handle string

// RecurringCallback is invoked on the task server's own cadence for
// EnqueueRecurring registrations.
type RecurringCallback func(ctx context.Context) error

// TaskServer is the adapter interface; core code depends only on this,
// never on a concrete implementation.
type TaskServer interface {
	// Enqueue hands (metadataID, inputJSON) off for execution under
	// workflowName and returns a handle. The caller transitions Metadata
	// to InProgress once Enqueue returns without error; the Runner the
	// work is started with may already have done so.
	Enqueue(ctx context.Context, metadataID string, workflowName string, inputJSON []byte) (Handle, error)
	EnqueueRecurring(ctx context.Context, id string, cronExpr string, callback RecurringCallback) error
	Cancel(ctx context.Context, handle Handle) error
}

// Runner is the callback the in-process implementation invokes for every
// Enqueue — ordinarily internal/workflowbus.Bus.RunByName wired up to also
// transition Metadata on completion (see internal/dispatcher).
type Runner func(ctx context.Context, metadataID string, workflowName string, inputJSON []byte)

// InProcess is the reference TaskServer: it runs enqueued work on a
// goroutine in the same process rather than handing off to a separate
// task host, the simplest adapter that satisfies the interface's
// contract.
type InProcess struct {
	run Runner
	ids idgen.Generator

	mu        sync.Mutex
	cancelled map[Handle]bool
	jobs      map[Handle]*backgroundjob.BackgroundJob

	recurring map[string]*time.Ticker
}

func NewInProcess(run Runner) *InProcess {
	return &InProcess{
		run:       run,
		ids:       idgen.New(),
		cancelled: make(map[Handle]bool),
		jobs:      make(map[Handle]*backgroundjob.BackgroundJob),
		recurring: make(map[string]*time.Ticker),
	}
}

// Jobs returns a point-in-time snapshot of every handle's projection, for
// dashboard visibility. Finished jobs stay in memory for the life of the
// process; nothing evicts them.
func (t *InProcess) Jobs() []backgroundjob.BackgroundJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]backgroundjob.BackgroundJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, *j)
	}
	return out
}

func (t *InProcess) Enqueue(ctx context.Context, metadataID string, workflowName string, inputJSON []byte) (Handle, error) {
	handle := Handle(metadataID)
	now := time.Now().UTC()

	job := &backgroundjob.BackgroundJob{
		ID:         t.ids.SurrogateID(),
		MetadataID: metadataID,
		Handle:     string(handle),
		Status:     backgroundjob.StatusScheduled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.mu.Lock()
	t.jobs[handle] = job
	t.mu.Unlock()

	go func() {
		runCtx := context.WithoutCancel(ctx)

		t.mu.Lock()
		cancelled := t.cancelled[handle]
		t.mu.Unlock()
		if cancelled {
			return
		}

		t.setStatus(handle, backgroundjob.StatusRunning, false)
		t.run(runCtx, metadataID, workflowName, inputJSON)
		// Runner has no error return; the authoritative outcome lives on
		// Metadata via the dispatcher. This projection only distinguishes
		// in-flight from finished.
		t.setStatus(handle, backgroundjob.StatusSucceeded, true)
	}()

	return handle, nil
}

func (t *InProcess) setStatus(handle Handle, status backgroundjob.Status, finished bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[handle]
	if !ok {
		return
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	if finished {
		finishedAt := job.UpdatedAt
		job.FinishedAt = &finishedAt
	}
}

func (t *InProcess) EnqueueRecurring(ctx context.Context, id string, cronExpr string, callback RecurringCallback) error {
	// The reference adapter doesn't re-derive cron math (that's
	// internal/schedule's job); it only needs a cadence to poll at, so it
	// reuses a coarse fixed interval and leaves exact timing to the
	// Manager's own schedule evaluation. Recurring registration here
	// exists so the interface contract is satisfiable end-to-end.
	t.mu.Lock()
	if existing, ok := t.recurring[id]; ok {
		existing.Stop()
	}
	ticker := time.NewTicker(time.Minute)
	t.recurring[id] = ticker
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				_ = callback(ctx)
			}
		}
	}()

	return nil
}

func (t *InProcess) Cancel(ctx context.Context, handle Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled[handle] = true
	return nil
}
