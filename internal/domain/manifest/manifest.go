// Package manifest defines the stable job definition entity: the
// ScheduleType/policy/DAG wiring that the Manager evaluates every cycle.
package manifest

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

type ScheduleType string

const (
	ScheduleNone     ScheduleType = "none"
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnDemand ScheduleType = "on_demand"
)

func (s ScheduleType) IsValid() bool {
	switch s {
	case ScheduleNone, ScheduleCron, ScheduleInterval, ScheduleOnDemand:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidSchedule = errors.New("invalid schedule configuration")
	ErrNotFound        = errors.New("manifest not found")
	ErrCyclicDependsOn = errors.New("dependsOnManifestId would form a cycle")
)

// Manifest is the stable definition of a runnable workflow.
type Manifest struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`

	// Name is the fully-qualified workflow type name, the lookup key for
	// the workflow bus registry.
	Name string `json:"name"`

	PropertiesJSON     []byte `json:"propertiesJson,omitempty"`
	PropertiesTypeName string `json:"propertiesTypeName,omitempty"`

	ScheduleType    ScheduleType `json:"scheduleType"`
	CronExpression  *string      `json:"cronExpression,omitempty"`
	IntervalSeconds *int         `json:"intervalSeconds,omitempty"`

	MaxRetries               int      `json:"maxRetries"`
	TimeoutSeconds           *int     `json:"timeoutSeconds,omitempty"`
	RetryBackoffMultiplier   *float64 `json:"retryBackoffMultiplier,omitempty"`
	DefaultRetryDelaySeconds *int     `json:"defaultRetryDelaySeconds,omitempty"`
	MaxRetryDelaySeconds     *int     `json:"maxRetryDelaySeconds,omitempty"`

	ManifestGroupID     *string `json:"manifestGroupId,omitempty"`
	DependsOnManifestID *string `json:"dependsOnManifestId,omitempty"`

	IsEnabled  bool `json:"isEnabled"`
	Priority   int  `json:"priority"`
	DisabledNote *string `json:"disabledNote,omitempty"`

	LastSuccessfulRunAt *time.Time `json:"lastSuccessfulRunAt,omitempty"`
	LastEnqueuedAt      *time.Time `json:"lastEnqueuedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateRequest is the input to register a new manifest.
type CreateRequest struct {
	ExternalID               string
	Name                     string
	PropertiesJSON           []byte
	PropertiesTypeName       string
	ScheduleType             ScheduleType
	CronExpression           *string
	IntervalSeconds          *int
	MaxRetries               int
	TimeoutSeconds           *int
	RetryBackoffMultiplier   *float64
	DefaultRetryDelaySeconds *int
	MaxRetryDelaySeconds     *int
	ManifestGroupID          *string
	DependsOnManifestID      *string
	Priority                 int
}

// Validate enforces the schedule-type/field pairing invariant from the
// data model: Cron requires cronExpression and forbids intervalSeconds,
// symmetrically for Interval.
func (r CreateRequest) Validate() error {
	if !r.ScheduleType.IsValid() {
		return ErrInvalidSchedule
	}
	switch r.ScheduleType {
	case ScheduleCron:
		if r.CronExpression == nil || *r.CronExpression == "" || r.IntervalSeconds != nil {
			return ErrInvalidSchedule
		}
	case ScheduleInterval:
		if r.IntervalSeconds == nil || *r.IntervalSeconds <= 0 || r.CronExpression != nil {
			return ErrInvalidSchedule
		}
	case ScheduleNone, ScheduleOnDemand:
		if r.CronExpression != nil || r.IntervalSeconds != nil {
			return ErrInvalidSchedule
		}
	}
	return nil
}

// New builds a Manifest from a CreateRequest, generating a random
// 128-bit hex externalId when the caller doesn't supply one.
func New(req CreateRequest) (Manifest, error) {
	if err := req.Validate(); err != nil {
		return Manifest{}, err
	}

	now := time.Now().UTC()

	externalID := req.ExternalID
	if externalID == "" {
		var err error
		externalID, err = NewExternalID()
		if err != nil {
			return Manifest{}, err
		}
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return Manifest{
		ExternalID:               externalID,
		Name:                     req.Name,
		PropertiesJSON:           req.PropertiesJSON,
		PropertiesTypeName:       req.PropertiesTypeName,
		ScheduleType:             req.ScheduleType,
		CronExpression:           req.CronExpression,
		IntervalSeconds:          req.IntervalSeconds,
		MaxRetries:               maxRetries,
		TimeoutSeconds:           req.TimeoutSeconds,
		RetryBackoffMultiplier:   req.RetryBackoffMultiplier,
		DefaultRetryDelaySeconds: req.DefaultRetryDelaySeconds,
		MaxRetryDelaySeconds:     req.MaxRetryDelaySeconds,
		ManifestGroupID:          req.ManifestGroupID,
		DependsOnManifestID:      req.DependsOnManifestID,
		IsEnabled:                true,
		Priority:                 req.Priority,
		CreatedAt:                now,
		UpdatedAt:                now,
	}, nil
}

// NewExternalID returns a compact randomly generated 128-bit value encoded
// as 32 hex chars, per the externalId default rule.
func NewExternalID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
