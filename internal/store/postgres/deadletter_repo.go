package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/geocoder89/manifold/internal/actorctx"
	"github.com/geocoder89/manifold/internal/domain/deadletter"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `
	id, manifest_id, reason, retry_count_at_dead_letter, status,
	dead_lettered_at, resolved_at, resolution_note, retry_metadata_id
`

func scanDeadLetter(row pgx.Row) (deadletter.DeadLetter, error) {
	var dl deadletter.DeadLetter
	var status string
	err := row.Scan(
		&dl.ID, &dl.ManifestID, &dl.Reason, &dl.RetryCountAtDeadLetter, &status,
		&dl.DeadLetteredAt, &dl.ResolvedAt, &dl.ResolutionNote, &dl.RetryMetadataID,
	)
	if err != nil {
		return deadletter.DeadLetter{}, err
	}
	dl.Status = deadletter.Status(status)
	return dl, nil
}

// UpsertDeadLetter inserts a new awaiting-intervention record for
// dl.ManifestID. The schema's partial unique index on
// (manifest_id) WHERE status = 'awaiting_intervention' is the backstop;
// a violation here means a concurrent writer already parked this
// manifest, surfaced as ErrAlreadyAwaiting rather than a raw pg error.
func (s *Store) UpsertDeadLetter(ctx context.Context, dl deadletter.DeadLetter) (deadletter.DeadLetter, error) {
	err := s.observe("dead_letters.upsert", func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO dead_letters(manifest_id, reason, retry_count_at_dead_letter, status, dead_lettered_at)
			VALUES ($1,$2,$3,$4,$5)
			RETURNING id
		`, dl.ManifestID, dl.Reason, dl.RetryCountAtDeadLetter, string(dl.Status), dl.DeadLetteredAt).Scan(&dl.ID)
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return deadletter.DeadLetter{}, deadletter.ErrAlreadyAwaiting
		}
		return deadletter.DeadLetter{}, err
	}
	return dl, nil
}

func (s *Store) GetAwaitingIntervention(ctx context.Context, manifestID string) (deadletter.DeadLetter, error) {
	var dl deadletter.DeadLetter
	err := s.observe("dead_letters.get_awaiting", func() error {
		row := s.pool.QueryRow(ctx, `
			SELECT `+deadLetterColumns+` FROM dead_letters
			WHERE manifest_id = $1 AND status = 'awaiting_intervention'
		`, manifestID)
		var scanErr error
		dl, scanErr = scanDeadLetter(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return deadletter.DeadLetter{}, deadletter.ErrNotFound
	}
	return dl, err
}

// ResolveDeadLetter transitions an awaiting-intervention row to
// status (Retried or Acknowledged), recording the resolution note and,
// for the retry path, the metadata row the retry produced.
func (s *Store) ResolveDeadLetter(ctx context.Context, id string, status deadletter.Status, note *string, retryMetadataID *string) error {
	if actor, ok := actorctx.UserIDFrom(ctx); ok {
		slog.Default().InfoContext(ctx, "dead_letter.resolve", "dead_letter_id", id, "status", string(status), "actor", actor)
	}

	var rowsAffected int64
	err := s.observe("dead_letters.resolve", func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE dead_letters
			SET status = $2, resolved_at = NOW(), resolution_note = $3, retry_metadata_id = $4
			WHERE id = $1 AND status = 'awaiting_intervention'
		`, id, string(status), note, retryMetadataID)
		if err != nil {
			return err
		}
		rowsAffected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return deadletter.ErrAlreadyResolved
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, status *deadletter.Status, limit int) ([]deadletter.DeadLetter, error) {
	var out []deadletter.DeadLetter
	err := s.observe("dead_letters.list", func() error {
		var rows pgx.Rows
		var err error
		if status != nil {
			rows, err = s.pool.Query(ctx, `
				SELECT `+deadLetterColumns+` FROM dead_letters
				WHERE status = $1
				ORDER BY dead_lettered_at DESC
				LIMIT $2
			`, string(*status), limit)
		} else {
			rows, err = s.pool.Query(ctx, `
				SELECT `+deadLetterColumns+` FROM dead_letters
				ORDER BY dead_lettered_at DESC
				LIMIT $1
			`, limit)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			dl, scanErr := scanDeadLetter(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, dl)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := s.observe("dead_letters.purge_resolved", func() error {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM dead_letters
			WHERE status IN ('retried', 'acknowledged') AND resolved_at < $1
		`, olderThan)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}
