// Package manager is the Manifest Manager: a single-threaded polling
// loop, modeled on the teacher's Worker.Run/producerLoop ticker shape in
// internal/queue/worker/worker.go, generalized from job execution to the
// evaluate-and-enqueue pipeline.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/geocoder89/manifold/internal/alerting"
	"github.com/geocoder89/manifold/internal/cache"
	"github.com/geocoder89/manifold/internal/cleanup"
	"github.com/geocoder89/manifold/internal/clock"
	"github.com/geocoder89/manifold/internal/domain/deadletter"
	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/geocoder89/manifold/internal/domain/manifestgroup"
	"github.com/geocoder89/manifold/internal/domain/workqueue"
	"github.com/geocoder89/manifold/internal/observability"
	"github.com/geocoder89/manifold/internal/reaper"
	"github.com/geocoder89/manifold/internal/schedule"
	"github.com/geocoder89/manifold/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("manifold-manager")

type Config struct {
	PollInterval          time.Duration
	DueCandidateBatchSize int

	RecoverStuckJobsOnStartup bool
	DefaultJobTimeout         time.Duration

	Cleanup cleanup.Config
}

// Manager runs the five-step cycle against store.Store.
type Manager struct {
	cfg     Config
	store   store.Store
	reaper  *reaper.Reaper
	sweeper *cleanup.Sweeper
	alerter alerting.Alerter
	metrics *observability.SchedulerMetrics

	// groupCache holds manifest groups for one cycle, so manifests sharing
	// a group cost a single store read; runCycleSafely clears it at the
	// start of every cycle.
	groupCache *cache.Cache
	clk        clock.Clock

	mu sync.Mutex // prevents reentrancy: one active cycle at a time
}

func New(cfg Config, s store.Store, alerter alerting.Alerter, metrics *observability.SchedulerMetrics) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DueCandidateBatchSize <= 0 {
		cfg.DueCandidateBatchSize = 100
	}
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = 30 * time.Minute
	}

	return &Manager{
		cfg:        cfg,
		store:      s,
		reaper:     reaper.New(s, cfg.DefaultJobTimeout),
		sweeper:    cleanup.New(s, s, cfg.Cleanup),
		alerter:    alerter,
		metrics:    metrics,
		groupCache: cache.New(5 * time.Second),
		clk:        clock.New(),
	}
}

// Run ticks every PollInterval until ctx is cancelled. On startup, if
// RecoverStuckJobsOnStartup is set, it runs the reaper once before the
// first normal cycle.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.RecoverStuckJobsOnStartup {
		if n, err := m.reaper.Run(ctx, m.clk.Now()); err != nil {
			slog.Default().ErrorContext(ctx, "manager.startup_stuck_job_recovery_error", "err", err)
		} else if n > 0 {
			slog.Default().InfoContext(ctx, "manager.startup_stuck_job_recovery", "recovered", n)
		}
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Default().InfoContext(ctx, "manager.shutdown_signal_received")
			return
		case <-ticker.C:
			m.runCycleSafely(ctx)
		}
	}
}

// Stop waits up to deadline for a cycle already in flight (guarded by
// mu's TryLock reentrancy check) to finish. The Manager owns no
// long-running per-job goroutines of its own, so there's nothing to
// force-cancel — the wait is purely to let the current cycle's batch of
// store writes land cleanly before the process exits.
func (m *Manager) Stop(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		m.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		slog.Default().InfoContext(context.Background(), "manager.stop_drained")
	case <-time.After(deadline):
		slog.Default().InfoContext(context.Background(), "manager.stop_shutdown_grace_exceeded")
	}
}

// runCycleSafely recovers from a panic in one cycle so the loop keeps
// running, per the failure model.
func (m *Manager) runCycleSafely(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "manager.cycle")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "cycle_panic")
			slog.Default().ErrorContext(ctx, "manager.cycle_panic_recovered", "panic", r)
		}
	}()

	if !m.mu.TryLock() {
		slog.Default().InfoContext(ctx, "manager.previous_cycle_still_running")
		return
	}
	defer m.mu.Unlock()

	m.groupCache.Clear()
	now := m.clk.Now()

	if n, err := m.reaper.Run(ctx, now); err != nil {
		span.RecordError(err)
		slog.Default().ErrorContext(ctx, "manager.stuck_job_recovery_error", "err", err)
	} else if n > 0 {
		span.SetAttributes(attribute.Int("manager.stuck_recovered", n))
		slog.Default().InfoContext(ctx, "manager.stuck_job_recovery", "recovered", n)
	}

	if err := m.promoteDeadLetters(ctx, now); err != nil {
		span.RecordError(err)
		slog.Default().ErrorContext(ctx, "manager.dead_letter_promotion_error", "err", err)
	}

	if m.sweeper.Due(now) {
		if err := m.sweeper.Run(ctx, now); err != nil {
			span.RecordError(err)
			slog.Default().ErrorContext(ctx, "manager.cleanup_error", "err", err)
		}
	}

	if err := m.enqueueDueCandidates(ctx, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue_due_candidates_failed")
		slog.Default().ErrorContext(ctx, "manager.candidate_enqueue_error", "err", err)
	}
}

// promoteDeadLetters implements step 2: any manifest whose recent-failure
// count has reached maxRetries and has no awaiting-intervention dead
// letter yet gets one.
func (m *Manager) promoteDeadLetters(ctx context.Context, now time.Time) error {
	manifests, err := m.store.ListManifests(ctx)
	if err != nil {
		return err
	}

	for _, man := range manifests {
		attempts, err := m.store.CountRecentFailures(ctx, man.ID, man.LastSuccessfulRunAt)
		if err != nil {
			slog.Default().ErrorContext(ctx, "manager.count_recent_failures_error", "manifest_id", man.ID, "err", err)
			continue
		}
		if attempts < man.MaxRetries {
			continue
		}

		if _, err := m.store.GetAwaitingIntervention(ctx, man.ID); err == nil {
			continue // already parked
		} else if err != deadletter.ErrNotFound {
			slog.Default().ErrorContext(ctx, "manager.check_awaiting_dead_letter_error", "manifest_id", man.ID, "err", err)
			continue
		}

		dl := deadletter.New(man.ID, "Max retries exceeded", attempts)
		if _, err := m.store.UpsertDeadLetter(ctx, dl); err != nil {
			if err == deadletter.ErrAlreadyAwaiting {
				continue
			}
			slog.Default().ErrorContext(ctx, "manager.upsert_dead_letter_error", "manifest_id", man.ID, "err", err)
			continue
		}

		if m.metrics != nil {
			m.metrics.IncDeadLettered()
		}
		if m.alerter != nil {
			_ = m.alerter.Alert(ctx, alerting.DeadLettered(man.ID, "Max retries exceeded"))
		}
	}

	return nil
}

type candidate struct {
	manifest      manifest.Manifest
	group         *manifestgroup.Group
	groupPriority int
}

// cachedGroup fetches a manifest group, reusing a copy cached earlier in
// the same cycle instead of hitting the store every time.
func (m *Manager) cachedGroup(ctx context.Context, groupID string) (*manifestgroup.Group, error) {
	if v, ok := m.groupCache.Get(groupID); ok {
		g := v.(manifestgroup.Group)
		return &g, nil
	}
	g, err := m.store.GetManifestGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	m.groupCache.Set(groupID, g)
	return &g, nil
}

// enqueueDueCandidates implements steps 4 and 5.
func (m *Manager) enqueueDueCandidates(ctx context.Context, now time.Time) error {
	due, err := m.store.GetDueManifests(ctx, now, m.cfg.DueCandidateBatchSize)
	if err != nil {
		return err
	}

	activeInGroup := make(map[string]int)

	candidates := make([]candidate, 0, len(due))
	for _, man := range due {
		if !man.IsEnabled {
			continue
		}
		if _, err := m.store.GetAwaitingIntervention(ctx, man.ID); err == nil {
			continue // dead-lettered manifests are never re-scheduled automatically
		}

		if isDue, err := schedule.IsDue(man, now); err != nil {
			slog.Default().ErrorContext(ctx, "manager.schedule_recheck_error", "manifest_id", man.ID, "err", err)
			continue
		} else if !isDue {
			continue // SQL-side due filter is a coarse approximation; trust the pure evaluator
		}

		var group *manifestgroup.Group
		groupPriority := 0
		if man.ManifestGroupID != nil {
			g, err := m.cachedGroup(ctx, *man.ManifestGroupID)
			if err != nil {
				slog.Default().ErrorContext(ctx, "manager.get_manifest_group_error", "manifest_id", man.ID, "group_id", *man.ManifestGroupID, "err", err)
				continue
			}
			if !g.IsEnabled {
				continue
			}
			group = g
			groupPriority = g.Priority

			if _, counted := activeInGroup[g.ID]; !counted {
				n, err := m.store.CountActiveJobs(ctx, g.ID)
				if err != nil {
					slog.Default().ErrorContext(ctx, "manager.count_active_jobs_error", "group_id", g.ID, "err", err)
					continue
				}
				activeInGroup[g.ID] = n
			}
		}

		if man.DependsOnManifestID != nil {
			since := time.Time{}
			if man.LastEnqueuedAt != nil {
				since = *man.LastEnqueuedAt
			}
			ok, err := m.store.DependencyCompletedSince(ctx, *man.DependsOnManifestID, since)
			if err != nil {
				slog.Default().ErrorContext(ctx, "manager.dependency_check_error", "manifest_id", man.ID, "err", err)
				continue
			}
			if !ok {
				continue
			}
		}

		candidates = append(candidates, candidate{manifest: man, group: group, groupPriority: groupPriority})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.groupPriority != b.groupPriority {
			return a.groupPriority > b.groupPriority
		}
		if a.manifest.Priority != b.manifest.Priority {
			return a.manifest.Priority > b.manifest.Priority
		}
		ai, bi := lastEnqueuedOrZero(a.manifest), lastEnqueuedOrZero(b.manifest)
		if !ai.Equal(bi) {
			return ai.Before(bi)
		}
		return a.manifest.ID < b.manifest.ID
	})

	enqueuedThisCycle := make(map[string]bool)

	for _, c := range candidates {
		man := c.manifest
		if enqueuedThisCycle[man.ID] {
			continue
		}

		if c.group != nil {
			active := activeInGroup[c.group.ID]
			if !c.group.Unsaturated(active) {
				continue
			}
		}

		priority := man.Priority + c.groupPriority
		_, err := m.store.Enqueue(ctx, workqueue.CreateRequest{
			WorkflowName: man.Name,
			InputJSON:    man.PropertiesJSON,
			ManifestID:   &man.ID,
			Priority:     priority,
		})
		if err != nil {
			if err == workqueue.ErrStateConflict {
				continue
			}
			return err // transport error: abort the remainder of the cycle
		}

		if err := m.store.TouchLastEnqueuedAt(ctx, man.ID, now); err != nil {
			slog.Default().ErrorContext(ctx, "manager.touch_last_enqueued_error", "manifest_id", man.ID, "err", err)
		}

		enqueuedThisCycle[man.ID] = true
		if c.group != nil {
			activeInGroup[c.group.ID]++
		}
		if m.metrics != nil {
			m.metrics.IncEnqueued()
		}
	}

	return nil
}

func lastEnqueuedOrZero(m manifest.Manifest) time.Time {
	if m.LastEnqueuedAt == nil {
		return time.Time{}
	}
	return *m.LastEnqueuedAt
}
