// Package retry computes the backoff/dead-letter decision for a failed
// manifest execution, following the shape of the teacher's
// internal/queue/worker/backoff.go but generalized to a per-manifest
// multiplier/base/cap instead of hardcoded constants.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/geocoder89/manifold/internal/domain/manifest"
)

// Decision is the outcome of evaluating a manifest's failure against its
// retry budget.
type Decision struct {
	// DeadLetter is true when attempts has reached manifest.MaxRetries;
	// the caller must park the manifest instead of requeuing it.
	DeadLetter bool
	// Attempts is CountRecentFailures(...) including the failure that
	// triggered this decision.
	Attempts int
	// Delay is the backoff to wait before requeuing, meaningless when
	// DeadLetter is true.
	Delay time.Duration
}

// FailureCounter is the subset of store.MetadataStore retry needs.
type FailureCounter interface {
	CountRecentFailures(ctx context.Context, manifestID string, sinceLastSuccess *time.Time) (int, error)
}

// Evaluate counts recent failures for m and decides whether the manifest
// should be dead-lettered or requeued with backoff.
func Evaluate(ctx context.Context, counter FailureCounter, m manifest.Manifest) (Decision, error) {
	attempts, err := counter.CountRecentFailures(ctx, m.ID, m.LastSuccessfulRunAt)
	if err != nil {
		return Decision{}, err
	}

	if attempts >= m.MaxRetries {
		return Decision{DeadLetter: true, Attempts: attempts}, nil
	}

	return Decision{Attempts: attempts, Delay: Backoff(m, attempts)}, nil
}

// Backoff computes delay = min(maxRetryDelay, defaultRetryDelay *
// multiplier^(attempts-1)) plus a small jitter, mirroring
// ExponentialBackoff's power-of-the-multiplier shape with the manifest's
// own configured base/multiplier/cap instead of fixed constants.
func Backoff(m manifest.Manifest, attempts int) time.Duration {
	base := time.Duration(defaultInt(m.DefaultRetryDelaySeconds, 2)) * time.Second
	capDelay := time.Duration(defaultInt(m.MaxRetryDelaySeconds, 300)) * time.Second
	multiplier := defaultFloat(m.RetryBackoffMultiplier, 2)

	exponent := attempts - 1
	if exponent < 0 {
		exponent = 0
	}

	scale := math.Pow(multiplier, float64(exponent))
	delay := time.Duration(float64(base) * scale)

	if delay > capDelay {
		delay = capDelay
	}

	// small jitter (0-250ms) to avoid thundering herd on shared multiples
	delay += time.Duration(rand.Intn(250)) * time.Millisecond
	return delay
}

func defaultInt(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func defaultFloat(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
