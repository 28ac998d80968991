// Package workflows holds the built-in workflow descriptors seeded at
// startup via registry.SeedManifests, demonstrating the registry/bus
// wiring end to end the way the teacher's internal/jobs payload types
// demonstrated job payloads end to end.
package workflows

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/geocoder89/manifold/internal/registry"
)

const (
	TypeNotificationDigest = "notification_digest"
	TypeStaleSessionSweep  = "stale_session_sweep"
)

// NotificationDigestPayload is the input to the periodic digest workflow.
type NotificationDigestPayload struct {
	WindowMinutes int `json:"windowMinutes"`
}

// NotificationDigestResult is what the digest workflow reports back.
type NotificationDigestResult struct {
	Sent int `json:"sent"`
}

func (p NotificationDigestPayload) JSON() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// StaleSessionSweepPayload is the input to the stale-session cleanup
// workflow; an empty payload sweeps using the workflow's own default.
type StaleSessionSweepPayload struct {
	OlderThanMinutes int `json:"olderThanMinutes"`
}

// StaleSessionSweepResult is what the sweep workflow reports back.
type StaleSessionSweepResult struct {
	Removed int `json:"removed"`
}

// RegisterBuiltins wires the reference workflows into reg so
// SeedManifests has something to seed and workflowbus.RunByName has
// something to resolve; real deployments register their own workflows
// the same way.
func RegisterBuiltins(reg *registry.Registry) {
	reg.Register(registry.WorkflowDescriptor{
		Name:            TypeNotificationDigest,
		Decode:          registry.DecodeJSON[NotificationDigestPayload](),
		Run:             runNotificationDigest,
		DefaultSchedule: manifest.ScheduleCron,
		DefaultCron:     "0 * * * *",
	})

	reg.Register(registry.WorkflowDescriptor{
		Name:            TypeStaleSessionSweep,
		Decode:          registry.DecodeJSON[StaleSessionSweepPayload](),
		Run:             runStaleSessionSweep,
		DefaultSchedule: manifest.ScheduleInterval,
		DefaultInterval: 900,
	})
}

func runNotificationDigest(ctx context.Context, input any) (any, error) {
	payload, _ := input.(NotificationDigestPayload)
	window := payload.WindowMinutes
	if window <= 0 {
		window = 60
	}

	slog.Default().InfoContext(ctx, "notification_digest.run", "window_minutes", window)
	// Reference implementation: the digest's actual delivery path is an
	// external collaborator, out of scope here. Report zero sent so the
	// workflow has an observable, well-typed result end to end.
	return NotificationDigestResult{Sent: 0}, nil
}

func runStaleSessionSweep(ctx context.Context, input any) (any, error) {
	payload, _ := input.(StaleSessionSweepPayload)
	olderThan := payload.OlderThanMinutes
	if olderThan <= 0 {
		olderThan = 1440
	}

	cutoff := time.Now().UTC().Add(-time.Duration(olderThan) * time.Minute)
	slog.Default().InfoContext(ctx, "stale_session_sweep.run", "cutoff", cutoff)
	return StaleSessionSweepResult{Removed: 0}, nil
}
