package observability

import (
	"sync/atomic"
	"time"
)

// SchedulerMetrics tracks dispatch/execution counters across the
// Manager/Dispatcher/retry pipeline. Snapshot returns a point-in-time copy;
// no periodic log line or Prometheus collector reads these counters.
type SchedulerMetrics struct {
	enqueued     atomic.Uint64
	dispatched   atomic.Uint64
	completed    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64

	durationCount atomic.Uint64
	durationTotal atomic.Int64
	durationMax   atomic.Int64
}

func NewSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{}
}

func (m *SchedulerMetrics) IncEnqueued()     { m.enqueued.Add(1) }
func (m *SchedulerMetrics) IncDispatched()   { m.dispatched.Add(1) }
func (m *SchedulerMetrics) IncCompleted()    { m.completed.Add(1) }
func (m *SchedulerMetrics) IncFailed()       { m.failed.Add(1) }
func (m *SchedulerMetrics) IncRetried()      { m.retried.Add(1) }
func (m *SchedulerMetrics) IncDeadLettered() { m.deadLettered.Add(1) }

func (m *SchedulerMetrics) ObserveDuration(d time.Duration) {
	ns := d.Nanoseconds()
	m.durationCount.Add(1)
	m.durationTotal.Add(ns)

	for {
		curr := m.durationMax.Load()
		if ns <= curr {
			return
		}
		if m.durationMax.CompareAndSwap(curr, ns) {
			return
		}
	}
}

type SchedulerMetricsSnapshot struct {
	Enqueued        uint64
	Dispatched      uint64
	Completed       uint64
	Failed          uint64
	Retried         uint64
	DeadLettered    uint64
	DurationCount   uint64
	AverageDuration time.Duration
	MaxDuration     time.Duration
}

func (m *SchedulerMetrics) Snapshot() SchedulerMetricsSnapshot {
	count := m.durationCount.Load()
	total := m.durationTotal.Load()
	max := m.durationMax.Load()

	var avg time.Duration
	if count > 0 {
		avg = time.Duration(total / int64(count))
	}

	return SchedulerMetricsSnapshot{
		Enqueued:        m.enqueued.Load(),
		Dispatched:      m.dispatched.Load(),
		Completed:       m.completed.Load(),
		Failed:          m.failed.Load(),
		Retried:         m.retried.Load(),
		DeadLettered:    m.deadLettered.Load(),
		DurationCount:   count,
		AverageDuration: avg,
		MaxDuration:     time.Duration(max),
	}
}
