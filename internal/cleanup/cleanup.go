// Package cleanup implements the periodic metadata/dead-letter retention
// sweep the Manager runs once its configured interval has elapsed.
package cleanup

import (
	"context"
	"log"
	"time"
)

// MetadataStore is the subset of store.MetadataStore cleanup needs.
type MetadataStore interface {
	PurgeTerminalMetadata(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)
}

// DeadLetterStore is the subset of store.DeadLetterStore cleanup needs.
type DeadLetterStore interface {
	PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config tunes the sweep. A zero Interval falls back to one hour and a zero
// BatchSize to 1000; MetadataRetention, DeadLetterRetention and
// AutoPurgeDeadLetters are used as given.
type Config struct {
	Interval            time.Duration
	BatchSize           int
	MetadataRetention   time.Duration
	DeadLetterRetention time.Duration
	AutoPurgeDeadLetters bool
}

// Sweeper runs the batched terminal-metadata purge and the resolved
// dead-letter purge, gated by its own interval independent of the
// Manager's polling cadence.
type Sweeper struct {
	metadata    MetadataStore
	deadLetters DeadLetterStore
	cfg         Config
	lastRun     time.Time
}

func New(metadata MetadataStore, deadLetters DeadLetterStore, cfg Config) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{metadata: metadata, deadLetters: deadLetters, cfg: cfg}
}

// Due reports whether enough time has passed since the last run to sweep
// again, so the Manager can call this every cycle without re-running the
// batched deletes on every 5s tick.
func (s *Sweeper) Due(now time.Time) bool {
	return s.lastRun.IsZero() || now.Sub(s.lastRun) >= s.cfg.Interval
}

// Run purges terminal metadata older than MetadataRetention in batches of
// BatchSize (each batch its own transaction, per the store implementation),
// and resolved dead letters older than DeadLetterRetention when
// AutoPurgeDeadLetters is set.
func (s *Sweeper) Run(ctx context.Context, now time.Time) error {
	s.lastRun = now

	metadataCutoff := now.Add(-s.cfg.MetadataRetention)
	for {
		n, err := s.metadata.PurgeTerminalMetadata(ctx, metadataCutoff, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("cleanup: purged terminal metadata count=%d", n)
		}
		if n < int64(s.cfg.BatchSize) {
			break
		}
	}

	if s.cfg.AutoPurgeDeadLetters {
		dlCutoff := now.Add(-s.cfg.DeadLetterRetention)
		n, err := s.deadLetters.PurgeResolvedDeadLetters(ctx, dlCutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("cleanup: purged resolved dead letters count=%d", n)
		}
	}

	return nil
}
