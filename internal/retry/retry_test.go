package retry

import (
	"context"
	"testing"
	"time"

	"github.com/geocoder89/manifold/internal/domain/manifest"
)

type fakeCounter struct {
	attempts int
	err      error
}

func (f fakeCounter) CountRecentFailures(ctx context.Context, manifestID string, sinceLastSuccess *time.Time) (int, error) {
	return f.attempts, f.err
}

func intPtr(n int) *int          { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestEvaluate_DeadLettersAtMaxRetries(t *testing.T) {
	m := manifest.Manifest{ID: "m1", MaxRetries: 3}
	d, err := Evaluate(context.Background(), fakeCounter{attempts: 3}, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.DeadLetter {
		t.Fatalf("expected dead-letter decision at attempts==maxRetries")
	}
}

func TestEvaluate_RetriesBelowMaxRetries(t *testing.T) {
	m := manifest.Manifest{ID: "m1", MaxRetries: 3}
	d, err := Evaluate(context.Background(), fakeCounter{attempts: 1}, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.DeadLetter {
		t.Fatalf("did not expect dead-letter below maxRetries")
	}
	if d.Delay <= 0 {
		t.Fatalf("expected a positive backoff delay")
	}
}

func TestBackoff_RespectsCapAndMultiplier(t *testing.T) {
	m := manifest.Manifest{
		DefaultRetryDelaySeconds: intPtr(2),
		MaxRetryDelaySeconds:     intPtr(10),
		RetryBackoffMultiplier:   floatPtr(2),
	}

	// attempts=1 -> base*mult^0 = 2s (+jitter < 250ms)
	d1 := Backoff(m, 1)
	if d1 < 2*time.Second || d1 >= 2*time.Second+250*time.Millisecond {
		t.Fatalf("attempt 1 delay out of expected range: %v", d1)
	}

	// attempts=4 -> base*mult^3 = 16s, capped to 10s (+jitter)
	d4 := Backoff(m, 4)
	if d4 < 10*time.Second || d4 >= 10*time.Second+250*time.Millisecond {
		t.Fatalf("attempt 4 delay should be capped near 10s, got %v", d4)
	}
}

func TestBackoff_DefaultsWhenUnset(t *testing.T) {
	m := manifest.Manifest{}
	d := Backoff(m, 1)
	if d < 2*time.Second || d >= 2*time.Second+250*time.Millisecond {
		t.Fatalf("expected default base delay of 2s, got %v", d)
	}
}
