// Package store defines the transactional persistence contract the
// scheduler core depends on. Concrete implementations (internal/store/postgres)
// must never cache entities across transactions — every read is a fresh
// read inside its own transaction or pooled connection.
package store

import (
	"context"
	"time"

	"github.com/geocoder89/manifold/internal/domain/deadletter"
	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/geocoder89/manifold/internal/domain/manifestgroup"
	"github.com/geocoder89/manifold/internal/domain/metadata"
	"github.com/geocoder89/manifold/internal/domain/workqueue"
)

// TransientError wraps a store-layer error the caller should treat as
// retry-next-cycle rather than a workflow failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ManifestStore is the subset of Store operations over Manifest/ManifestGroup.
type ManifestStore interface {
	// GetDueManifests returns enabled cron/interval manifests that have no
	// Pending/InProgress metadata, ordered (priority desc, lastEnqueuedAt
	// asc nulls first). It does not evaluate the schedule, so the result can
	// include manifests that are not yet due; the caller checks
	// NextDueAt <= now.
	GetDueManifests(ctx context.Context, now time.Time, limit int) ([]manifest.Manifest, error)
	GetManifest(ctx context.Context, id string) (manifest.Manifest, error)
	GetManifestByExternalID(ctx context.Context, externalID string) (manifest.Manifest, error)
	ListManifests(ctx context.Context) ([]manifest.Manifest, error)
	CreateManifest(ctx context.Context, req manifest.CreateRequest) (manifest.Manifest, error)
	SetManifestEnabled(ctx context.Context, id string, enabled bool, note *string) error
	TouchLastEnqueuedAt(ctx context.Context, id string, at time.Time) error
	SetLastSuccessfulRunAt(ctx context.Context, id string, at time.Time) error

	GetManifestGroup(ctx context.Context, id string) (manifestgroup.Group, error)
	ListManifestGroups(ctx context.Context) ([]manifestgroup.Group, error)
	CreateManifestGroup(ctx context.Context, req manifestgroup.CreateRequest) (manifestgroup.Group, error)

	// CountActiveJobs returns metadatas with state in {Pending, InProgress}
	// whose manifest is in the given group.
	CountActiveJobs(ctx context.Context, groupID string) (int, error)

	// DependencyCompletedSince reports whether parentManifestID has a
	// Completed metadata whose endTime is >= since — the DAG predecessor
	// gate from §4.3.
	DependencyCompletedSince(ctx context.Context, parentManifestID string, since time.Time) (bool, error)
}

// MetadataStore is the append-only Metadata lifecycle.
type MetadataStore interface {
	AppendMetadata(ctx context.Context, row metadata.Metadata) (metadata.Metadata, error)
	GetMetadata(ctx context.Context, id string) (metadata.Metadata, error)
	// TransitionMetadata performs a compare-and-set: fails with
	// metadata.ErrStateConflict if the row's current state != from.
	TransitionMetadata(ctx context.Context, id string, from, to metadata.WorkflowState, patch metadata.TransitionPatch) error
	// CountRecentFailures is the retry-count derivation from §3: count of
	// Failed metadatas for manifestID with startTime > sinceLastSuccess.
	CountRecentFailures(ctx context.Context, manifestID string, sinceLastSuccess *time.Time) (int, error)
	ListStuckInProgress(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]metadata.Metadata, error)
	PurgeTerminalMetadata(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)
	ListByManifest(ctx context.Context, manifestID string, limit int) ([]metadata.Metadata, error)
	// CancelMetadata force-transitions a non-terminal (Pending or
	// InProgress) row straight to Cancelled, for the operator-initiated
	// Cancel path and for Dispatcher.Stop's deadline-exceeded fallback.
	// Returns metadata.ErrStateConflict if the row is already terminal.
	CancelMetadata(ctx context.Context, id string) error
}

// WorkQueueStore is the dispatch-request queue.
type WorkQueueStore interface {
	Enqueue(ctx context.Context, req workqueue.CreateRequest) (workqueue.Entry, error)
	// ClaimWorkQueue atomically selects up to limit Queued rows, marks
	// them Dispatched, and returns them (SELECT...FOR UPDATE SKIP LOCKED
	// or equivalent). Returns fewer rows rather than blocking.
	ClaimWorkQueue(ctx context.Context, limit int, now time.Time) ([]workqueue.Entry, error)
	// ReleaseClaim rolls a Dispatched row back to Queued with a priority
	// bump, used on the group-semaphore-unavailable anti-starvation path.
	ReleaseClaim(ctx context.Context, id string, priorityDelta int) error
	CancelQueued(ctx context.Context, id string) error
	ListQueued(ctx context.Context, limit int) ([]workqueue.Entry, error)
}

// DeadLetterStore is the manual-intervention record store.
type DeadLetterStore interface {
	UpsertDeadLetter(ctx context.Context, dl deadletter.DeadLetter) (deadletter.DeadLetter, error)
	GetAwaitingIntervention(ctx context.Context, manifestID string) (deadletter.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id string, status deadletter.Status, note *string, retryMetadataID *string) error
	ListDeadLetters(ctx context.Context, status *deadletter.Status, limit int) ([]deadletter.DeadLetter, error)
	PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store is the full transactional persistence contract.
type Store interface {
	ManifestStore
	MetadataStore
	WorkQueueStore
	DeadLetterStore
}
