// Package workflowbus is the in-process adapter the task server hands
// deserialized input to; the core treats it as opaque beyond the
// (result, error) it returns.
package workflowbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/geocoder89/manifold/internal/registry"
)

// Bus resolves a workflow by type name and runs it, generalizing the
// teacher's switch-on-job.Type dispatch in worker.go's execute into the
// registry-backed RunByName shape spec.md's redesign note requires.
type Bus interface {
	// RunByName decodes inputJSON via the named workflow's registered
	// Decode func, runs it, and returns the JSON-encoded result.
	// parentMetadataID is opaque context passed through for workflows
	// that fan out child metadata rows; the bus itself never inspects it.
	RunByName(ctx context.Context, workflowName string, inputJSON []byte, parentMetadataID *string) (outputJSON []byte, err error)
}

// RegistryBus is the Registry-backed Bus implementation.
type RegistryBus struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *RegistryBus {
	return &RegistryBus{registry: reg}
}

func (b *RegistryBus) RunByName(ctx context.Context, workflowName string, inputJSON []byte, parentMetadataID *string) ([]byte, error) {
	descriptor, err := b.registry.Lookup(workflowName)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownWorkflow) {
			return nil, fmt.Errorf("workflowbus: %q: %w", workflowName, err)
		}
		return nil, err
	}

	input, err := descriptor.Decode(inputJSON)
	if err != nil {
		return nil, fmt.Errorf("workflowbus: decode input for %q: %w", workflowName, err)
	}

	output, err := descriptor.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, nil
	}

	outputJSON, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("workflowbus: encode output for %q: %w", workflowName, err)
	}
	return outputJSON, nil
}
