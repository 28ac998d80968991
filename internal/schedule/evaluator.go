// Package schedule implements the pure NextDueAt/ToCronExpression
// functions the Manager consults every cycle to decide which manifests are
// due.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/robfig/cron/v3"
)

// ErrUnparseableCron is InvalidSchedule's concrete cause for a malformed
// cron expression.
var ErrUnparseableCron = errors.New("unparseable cron expression")

// fieldParser restricts cron.v3 to the common 5-field form (minute, hour,
// day-of-month, month, day-of-week) — no seconds field, no descriptors
// like @hourly. Cron parsing beyond this form is explicitly a non-goal.
var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// minEnqueueGap is the +1 minute guard against double-fire when a polling
// cycle straddles a tick boundary.
const minEnqueueGap = time.Minute

// NextDueAt computes the next time, at or after now, that m should fire,
// given its schedule type and last successful run. A nil result means the
// manifest never becomes due on its own (None, OnDemand).
func NextDueAt(m manifest.Manifest, now time.Time) (*time.Time, error) {
	switch m.ScheduleType {
	case manifest.ScheduleNone, manifest.ScheduleOnDemand:
		return nil, nil

	case manifest.ScheduleInterval:
		if m.IntervalSeconds == nil || *m.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("%w: missing/invalid intervalSeconds", manifest.ErrInvalidSchedule)
		}
		if m.LastSuccessfulRunAt == nil {
			t := now
			return &t, nil
		}
		t := m.LastSuccessfulRunAt.Add(time.Duration(*m.IntervalSeconds) * time.Second)
		return &t, nil

	case manifest.ScheduleCron:
		if m.CronExpression == nil || *m.CronExpression == "" {
			return nil, fmt.Errorf("%w: missing cronExpression", manifest.ErrInvalidSchedule)
		}
		sched, err := fieldParser.Parse(*m.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableCron, err)
		}

		floor := now
		if m.LastEnqueuedAt != nil {
			gap := m.LastEnqueuedAt.Add(minEnqueueGap)
			if gap.After(floor) {
				floor = gap
			}
		}
		t := sched.Next(floor.Add(-time.Nanosecond))
		return &t, nil

	default:
		return nil, fmt.Errorf("%w: unknown scheduleType %q", manifest.ErrInvalidSchedule, m.ScheduleType)
	}
}

// IsDue reports whether m is due at now: NextDueAt(m, now) <= now.
func IsDue(m manifest.Manifest, now time.Time) (bool, error) {
	due, err := NextDueAt(m, now)
	if err != nil {
		return false, err
	}
	if due == nil {
		return false, nil
	}
	return !due.After(now), nil
}

// ToCronExpression is the inverse helper for intervals that divide an hour
// or a day evenly. Intervals that don't divide evenly fall back to
// "*/k * * * *" with k = min(minutes, 59).
func ToCronExpression(interval time.Duration) string {
	minutes := int(interval / time.Minute)
	if minutes <= 0 {
		minutes = 1
	}

	switch {
	case interval == 24*time.Hour:
		return "0 0 * * *"
	case interval%time.Hour == 0 && (24%int(interval/time.Hour)) == 0:
		hours := int(interval / time.Hour)
		return fmt.Sprintf("0 */%d * * *", hours)
	case interval%time.Minute == 0 && 60%minutes == 0:
		return fmt.Sprintf("*/%d * * * *", minutes)
	default:
		k := minutes
		if k > 59 {
			k = 59
		}
		if k <= 0 {
			k = 1
		}
		return fmt.Sprintf("*/%d * * * *", k)
	}
}
