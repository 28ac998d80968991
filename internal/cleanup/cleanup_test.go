package cleanup

import (
	"context"
	"testing"
	"time"
)

type fakeMetadataStore struct {
	batches []int64 // remaining counts to return, one per call
	calls   int
}

func (f *fakeMetadataStore) PurgeTerminalMetadata(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	if f.calls >= len(f.batches) {
		return 0, nil
	}
	n := f.batches[f.calls]
	f.calls++
	return n, nil
}

type fakeDeadLetterStore struct {
	purged  int64
	calls   int
}

func (f *fakeDeadLetterStore) PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	f.calls++
	return f.purged, nil
}

func TestSweeper_DueGatesByInterval(t *testing.T) {
	s := New(&fakeMetadataStore{}, &fakeDeadLetterStore{}, Config{Interval: time.Hour})
	now := time.Now()

	if !s.Due(now) {
		t.Fatal("expected Due to be true before any run")
	}

	if err := s.Run(context.Background(), now); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if s.Due(now.Add(time.Minute)) {
		t.Fatal("expected Due to be false shortly after a run")
	}
	if !s.Due(now.Add(2 * time.Hour)) {
		t.Fatal("expected Due to be true after the interval elapses")
	}
}

func TestSweeper_RunLoopsUntilBatchBelowSize(t *testing.T) {
	meta := &fakeMetadataStore{batches: []int64{5, 5, 2}}
	s := New(meta, &fakeDeadLetterStore{}, Config{BatchSize: 5})

	if err := s.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if meta.calls != 3 {
		t.Fatalf("expected 3 purge calls (stops once a batch returns < BatchSize), got %d", meta.calls)
	}
}

func TestSweeper_RunSkipsDeadLetterPurgeWhenDisabled(t *testing.T) {
	dl := &fakeDeadLetterStore{purged: 10}
	s := New(&fakeMetadataStore{}, dl, Config{AutoPurgeDeadLetters: false})

	if err := s.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if dl.calls != 0 {
		t.Fatalf("expected dead-letter purge skipped, got %d calls", dl.calls)
	}
}

func TestSweeper_RunPurgesDeadLettersWhenEnabled(t *testing.T) {
	dl := &fakeDeadLetterStore{purged: 3}
	s := New(&fakeMetadataStore{}, dl, Config{AutoPurgeDeadLetters: true, DeadLetterRetention: 24 * time.Hour})

	if err := s.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if dl.calls != 1 {
		t.Fatalf("expected 1 dead-letter purge call, got %d", dl.calls)
	}
}
