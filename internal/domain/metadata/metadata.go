// Package metadata defines the immutable execution-attempt record. Rows
// are append-only: once state reaches a terminal value no field may change
// again (P1/P2 in the spec's testable properties).
package metadata

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type WorkflowState string

const (
	StatePending    WorkflowState = "pending"
	StateInProgress WorkflowState = "in_progress"
	StateCompleted  WorkflowState = "completed"
	StateFailed     WorkflowState = "failed"
	StateCancelled  WorkflowState = "cancelled"
)

func (s WorkflowState) IsValid() bool {
	switch s {
	case StatePending, StateInProgress, StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a sink of the transition graph.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// transitions is the total order the state machine may move along; no
// backward edges, matching P2.
var transitions = map[WorkflowState]map[WorkflowState]bool{
	StatePending: {
		StateInProgress: true,
		StateFailed:      true, // SerializationError/EnqueueFailed/UnknownWorkflow born-failed paths
		StateCancelled:   true,
	},
	StateInProgress: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

// CanTransition reports whether from->to is a legal monotone edge.
func CanTransition(from, to WorkflowState) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

var (
	ErrNotFound       = errors.New("metadata not found")
	ErrStateConflict  = errors.New("metadata state conflict")
	ErrIllegalEdge    = errors.New("illegal workflow state transition")
	ErrParentIDCycle  = errors.New("parentId would form a self-reference cycle")
)

// Metadata is one immutable execution attempt.
type Metadata struct {
	ID         string  `json:"id"`
	ExternalID string  `json:"externalId"`
	ManifestID *string `json:"manifestId,omitempty"`
	ParentID   *string `json:"parentId,omitempty"`
	Name       string  `json:"name"`
	Executor   string  `json:"executor"`

	WorkflowState WorkflowState `json:"workflowState"`

	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`

	FailureStep      *string `json:"failureStep,omitempty"`
	FailureException *string `json:"failureException,omitempty"`
	FailureReason    *string `json:"failureReason,omitempty"`
	StackTrace       *string `json:"stackTrace,omitempty"`

	InputJSON  []byte `json:"inputJson,omitempty"`
	OutputJSON []byte `json:"outputJson,omitempty"`
}

// CreateRequest is the input to append a brand-new Pending metadata row.
type CreateRequest struct {
	ManifestID    *string
	ParentID      *string
	Name          string
	Executor      string
	ScheduledTime *time.Time
	StartTime     time.Time
	InputJSON     []byte
}

func New(req CreateRequest) Metadata {
	return Metadata{
		ID:            uuid.NewString(),
		ExternalID:    uuid.NewString(),
		ManifestID:    req.ManifestID,
		ParentID:      req.ParentID,
		Name:          req.Name,
		Executor:      req.Executor,
		WorkflowState: StatePending,
		ScheduledTime: req.ScheduledTime,
		StartTime:     req.StartTime,
		InputJSON:     req.InputJSON,
	}
}

// TransitionPatch carries the fields a state transition is allowed to set,
// alongside the new state. Only the terminal-closure fields (endTime,
// failure*, output) and startTime (Pending->InProgress) are ever written;
// everything else stays fixed from creation.
type TransitionPatch struct {
	StartTime        *time.Time
	EndTime          *time.Time
	FailureStep      *string
	FailureException *string
	FailureReason    *string
	StackTrace       *string
	OutputJSON       []byte
}
