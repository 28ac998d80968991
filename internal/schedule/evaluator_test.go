package schedule

import (
	"testing"
	"time"

	"github.com/geocoder89/manifold/internal/domain/manifest"
)

func sec(n int) *int { return &n }

func TestNextDueAt_None_OnDemand(t *testing.T) {
	now := time.Now()
	for _, st := range []manifest.ScheduleType{manifest.ScheduleNone, manifest.ScheduleOnDemand} {
		m := manifest.Manifest{ScheduleType: st}
		due, err := NextDueAt(m, now)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", st, err)
		}
		if due != nil {
			t.Fatalf("%s should never be auto-due, got %v", st, due)
		}
	}
}

func TestNextDueAt_Interval_NeverRun(t *testing.T) {
	now := time.Now()
	m := manifest.Manifest{ScheduleType: manifest.ScheduleInterval, IntervalSeconds: sec(60)}
	due, err := NextDueAt(m, now)
	if err != nil {
		t.Fatal(err)
	}
	if due == nil || !due.Equal(now) {
		t.Fatalf("expected due == now, got %v", due)
	}
}

func TestNextDueAt_Interval_SinceLastSuccess(t *testing.T) {
	now := time.Now()
	last := now.Add(-30 * time.Second)
	m := manifest.Manifest{
		ScheduleType:        manifest.ScheduleInterval,
		IntervalSeconds:     sec(60),
		LastSuccessfulRunAt: &last,
	}
	due, err := NextDueAt(m, now)
	if err != nil {
		t.Fatal(err)
	}
	want := last.Add(60 * time.Second)
	if !due.Equal(want) {
		t.Fatalf("want %v got %v", want, due)
	}
}

func TestNextDueAt_Cron_GuardsDoubleFire(t *testing.T) {
	expr := "* * * * *" // every minute
	m := manifest.Manifest{ScheduleType: manifest.ScheduleCron, CronExpression: &expr}

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := base
	m.LastEnqueuedAt = &last

	due, err := NextDueAt(m, base)
	if err != nil {
		t.Fatal(err)
	}
	if !due.After(last) || due.Sub(last) < time.Minute {
		t.Fatalf("expected next tick to respect the +1m guard after lastEnqueuedAt, got %v (last=%v)", due, last)
	}
}

func TestNextDueAt_Cron_Unparseable(t *testing.T) {
	expr := "not a cron"
	m := manifest.Manifest{ScheduleType: manifest.ScheduleCron, CronExpression: &expr}
	_, err := NextDueAt(m, time.Now())
	if err == nil {
		t.Fatal("expected unparseable cron error")
	}
}

func TestToCronExpression_RoundTrip(t *testing.T) {
	intervals := []time.Duration{
		time.Minute, 5 * time.Minute, 30 * time.Minute,
		time.Hour, 6 * time.Hour, 24 * time.Hour,
	}

	for _, iv := range intervals {
		expr := ToCronExpression(iv)
		sched, err := fieldParser.Parse(expr)
		if err != nil {
			t.Fatalf("%s: parse error: %v", iv, err)
		}

		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		first := sched.Next(start.Add(-time.Nanosecond))
		second := sched.Next(first)

		if got := second.Sub(first); got != iv {
			t.Fatalf("%s: round-tripped tick gap = %s, want %s", iv, got, iv)
		}
	}
}
