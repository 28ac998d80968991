// Package registry replaces open-ended dynamic dispatch with an explicit
// map[string]WorkflowDescriptor built at startup, the source of truth the
// workflow bus and startup seeding both read from — never reflection.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/geocoder89/manifold/internal/store"
)

var ErrUnknownWorkflow = errors.New("unknown workflow name")

// RunFunc executes one workflow attempt against decoded input, returning
// an encodable result or an error the caller persists as failure fields.
type RunFunc func(ctx context.Context, input any) (output any, err error)

// DecodeFunc turns raw inputJson into the concrete input type the RunFunc
// expects, the "explicit registry" replacement for reflection-based
// $type-discriminator dispatch.
type DecodeFunc func(raw []byte) (any, error)

// WorkflowDescriptor is one entry of the registry: how to decode a
// WorkQueue/Metadata input payload and how to run it, plus the default
// schedule used by SeedManifests when no manifest for this workflow exists
// yet.
type WorkflowDescriptor struct {
	Name            string
	Decode          DecodeFunc
	Run             RunFunc
	DefaultSchedule manifest.ScheduleType
	DefaultCron     string
	DefaultInterval int // seconds, used when DefaultSchedule == ScheduleInterval
	DefaultGroup    string
}

// Registry is the explicit, startup-built workflow catalogue.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]WorkflowDescriptor
}

func New() *Registry {
	return &Registry{descriptors: make(map[string]WorkflowDescriptor)}
}

// Register adds d to the catalogue, overwriting any prior registration
// under the same name — callers register once at startup before the
// Manager/Dispatcher loops start reading it.
func (r *Registry) Register(d WorkflowDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Name] = d
}

// Lookup resolves workflowName to its descriptor, returning
// ErrUnknownWorkflow if nothing was registered under that name — the
// UnknownWorkflow edge case from the failure model.
func (r *Registry) Lookup(workflowName string) (WorkflowDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[workflowName]
	if !ok {
		return WorkflowDescriptor{}, ErrUnknownWorkflow
	}
	return d, nil
}

// Names returns every registered workflow name; cmd/scheduler logs them at
// startup.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for n := range r.descriptors {
		names = append(names, n)
	}
	return names
}

// SeedManifests idempotently ensures a manifest exists for every
// registered workflow that declares a default schedule, mirroring
// EnsureAdminUser's check-then-insert shape: look the row up by name
// first, only insert when it's genuinely missing, and never touch an
// existing row's configuration (an operator may have since edited it).
func (r *Registry) SeedManifests(ctx context.Context, manifests store.ManifestStore) error {
	r.mu.RLock()
	descriptors := make([]WorkflowDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		descriptors = append(descriptors, d)
	}
	r.mu.RUnlock()

	existing, err := manifests.ListManifests(ctx)
	if err != nil {
		return fmt.Errorf("registry: seed manifests: list existing: %w", err)
	}

	byName := make(map[string]bool, len(existing))
	for _, m := range existing {
		byName[m.Name] = true
	}

	for _, d := range descriptors {
		if d.DefaultSchedule == "" || byName[d.Name] {
			continue
		}

		req := manifest.CreateRequest{
			Name:         d.Name,
			ScheduleType: d.DefaultSchedule,
		}
		switch d.DefaultSchedule {
		case manifest.ScheduleCron:
			cron := d.DefaultCron
			req.CronExpression = &cron
		case manifest.ScheduleInterval:
			seconds := d.DefaultInterval
			req.IntervalSeconds = &seconds
		}

		if _, err := manifests.CreateManifest(ctx, req); err != nil {
			return fmt.Errorf("registry: seed manifest %q: %w", d.Name, err)
		}
	}

	return nil
}

// DecodeJSON is a convenience DecodeFunc for descriptors whose input is a
// plain JSON-tagged struct, avoiding a one-off closure per workflow.
func DecodeJSON[T any]() DecodeFunc {
	return func(raw []byte) (any, error) {
		var v T
		if len(raw) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("registry: decode input: %w", err)
		}
		return v, nil
	}
}
