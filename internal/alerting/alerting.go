// Package alerting is the operational-alert adapter: UnknownWorkflow and
// dead-letter events should "surface as an operational alert" per the
// failure model, but the core never blocks on delivery succeeding.
// Modeled on internal/notifications' Notifier/LogNotifier split.
package alerting

import (
	"context"
	"fmt"
	"log"
)

// Event is an operational condition worth paging or logging for an
// operator's attention.
type Event struct {
	Kind       string // "unknown_workflow" | "dead_letter" | "dag_cycle"
	ManifestID string
	Detail     string
}

// Alerter delivers Events to wherever operators watch; the core treats
// delivery as best-effort and never retries a failed alert itself.
type Alerter interface {
	Alert(ctx context.Context, ev Event) error
}

// LogAlerter is the reference implementation: structured log line, no
// external dependency required to run the scheduler standalone.
type LogAlerter struct{}

func NewLogAlerter() *LogAlerter { return &LogAlerter{} }

func (a *LogAlerter) Alert(ctx context.Context, ev Event) error {
	log.Printf("alert kind=%s manifest_id=%s detail=%s", ev.Kind, ev.ManifestID, ev.Detail)
	return nil
}

// UnknownWorkflow is a convenience constructor for the alert raised when the
// workflow bus cannot resolve a name. The failed run then goes through the
// normal retry budget before it is dead-lettered; there is no faster path.
func UnknownWorkflow(manifestID, workflowName string) Event {
	return Event{
		Kind:       "unknown_workflow",
		ManifestID: manifestID,
		Detail:     fmt.Sprintf("workflowName %q not resolvable by the workflow bus", workflowName),
	}
}

// DeadLettered is a convenience constructor for the promote-to-dead-letter
// event.
func DeadLettered(manifestID, reason string) Event {
	return Event{Kind: "dead_letter", ManifestID: manifestID, Detail: reason}
}
