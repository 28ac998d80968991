package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/geocoder89/manifold/internal/domain/metadata"
	"github.com/jackc/pgx/v5"
)

const metadataColumns = `
	id, external_id, manifest_id, parent_id, name, executor,
	workflow_state, scheduled_time, start_time, end_time,
	failure_step, failure_exception, failure_reason, stack_trace,
	input_json, output_json
`

func scanMetadata(row pgx.Row) (metadata.Metadata, error) {
	var m metadata.Metadata
	var state string
	err := row.Scan(
		&m.ID, &m.ExternalID, &m.ManifestID, &m.ParentID, &m.Name, &m.Executor,
		&state, &m.ScheduledTime, &m.StartTime, &m.EndTime,
		&m.FailureStep, &m.FailureException, &m.FailureReason, &m.StackTrace,
		&m.InputJSON, &m.OutputJSON,
	)
	if err != nil {
		return metadata.Metadata{}, err
	}
	m.WorkflowState = metadata.WorkflowState(state)
	return m, nil
}

func (s *Store) AppendMetadata(ctx context.Context, row metadata.Metadata) (metadata.Metadata, error) {
	err := s.observe("metadata.append", func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO metadata(
				external_id, manifest_id, parent_id, name, executor,
				workflow_state, scheduled_time, start_time, input_json
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING id
		`,
			row.ExternalID, row.ManifestID, row.ParentID, row.Name, row.Executor,
			string(row.WorkflowState), row.ScheduledTime, row.StartTime, row.InputJSON,
		).Scan(&row.ID)
	})
	if err != nil {
		return metadata.Metadata{}, err
	}
	return row, nil
}

func (s *Store) GetMetadata(ctx context.Context, id string) (metadata.Metadata, error) {
	var m metadata.Metadata
	err := s.observe("metadata.get", func() error {
		row := s.pool.QueryRow(ctx, `SELECT `+metadataColumns+` FROM metadata WHERE id = $1`, id)
		var scanErr error
		m, scanErr = scanMetadata(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return metadata.Metadata{}, metadata.ErrNotFound
	}
	return m, err
}

// TransitionMetadata performs a compare-and-set UPDATE gated on the row's
// current workflow_state matching from; a zero-row update means either the
// row doesn't exist or another writer already moved it, both surfaced as
// ErrStateConflict so callers don't need to distinguish.
func (s *Store) TransitionMetadata(ctx context.Context, id string, from, to metadata.WorkflowState, patch metadata.TransitionPatch) error {
	var rowsAffected int64
	err := s.observe("metadata.transition", func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE metadata SET
				workflow_state = $3,
				start_time = COALESCE($4, start_time),
				end_time = COALESCE($5, end_time),
				failure_step = COALESCE($6, failure_step),
				failure_exception = COALESCE($7, failure_exception),
				failure_reason = COALESCE($8, failure_reason),
				stack_trace = COALESCE($9, stack_trace),
				output_json = COALESCE($10, output_json)
			WHERE id = $1 AND workflow_state = $2
		`,
			id, string(from), string(to),
			patch.StartTime, patch.EndTime,
			patch.FailureStep, patch.FailureException, patch.FailureReason, patch.StackTrace,
			patch.OutputJSON,
		)
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
		return metadata.ErrStateConflict
	}
	return nil
}

// CancelMetadata force-cancels a Pending or InProgress row regardless of
// which state it's currently in, unlike TransitionMetadata which demands
// the caller name the exact from-state.
func (s *Store) CancelMetadata(ctx context.Context, id string) error {
	var rowsAffected int64
	err := s.observe("metadata.cancel", func() error {
		now := time.Now().UTC()
		tag, err := s.pool.Exec(ctx, `
			UPDATE metadata SET workflow_state = 'cancelled', end_time = $2
			WHERE id = $1 AND workflow_state IN ('pending', 'in_progress')
		`, id, now)
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
		return metadata.ErrStateConflict
	}
	return nil
}

// CountRecentFailures counts Failed metadatas for manifestID whose
// startTime is after sinceLastSuccess (or all of them, if nil).
func (s *Store) CountRecentFailures(ctx context.Context, manifestID string, sinceLastSuccess *time.Time) (int, error) {
	var n int
	err := s.observe("metadata.count_recent_failures", func() error {
		return s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM metadata
			WHERE manifest_id = $1
			  AND workflow_state = 'failed'
			  AND ($2::timestamptz IS NULL OR start_time > $2)
		`, manifestID, sinceLastSuccess).Scan(&n)
	})
	return n, err
}

// ListStuckInProgress returns InProgress rows whose effective timeout —
// max(manifest.timeoutSeconds, defaultTimeout) — has elapsed as of now;
// candidates for the stuck-job reaper.
func (s *Store) ListStuckInProgress(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]metadata.Metadata, error) {
	var out []metadata.Metadata
	defaultSeconds := int(defaultTimeout.Seconds())
	err := s.observe("metadata.list_stuck_in_progress", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT md.id, md.external_id, md.manifest_id, md.parent_id, md.name, md.executor,
			       md.workflow_state, md.scheduled_time, md.start_time, md.end_time,
			       md.failure_step, md.failure_exception, md.failure_reason, md.stack_trace,
			       md.input_json, md.output_json
			FROM metadata md
			LEFT JOIN manifests m ON m.id = md.manifest_id
			WHERE md.workflow_state = 'in_progress'
			  AND md.start_time < $1 - (GREATEST(COALESCE(m.timeout_seconds, 0), $2) * INTERVAL '1 second')
			ORDER BY md.start_time ASC
		`, now, defaultSeconds)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, scanErr := scanMetadata(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// PurgeTerminalMetadata deletes terminal rows older than olderThan, in
// batches of batchSize, excluding rows referenced by an unresolved dead
// letter or by a non-terminal child (parent_id chain).
func (s *Store) PurgeTerminalMetadata(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	var deleted int64
	err := s.observe("metadata.purge_terminal", func() error {
		tag, err := s.pool.Exec(ctx, `
			WITH candidates AS (
				SELECT md.id FROM metadata md
				WHERE md.workflow_state IN ('completed', 'failed', 'cancelled')
				  AND md.start_time < $1
				  AND NOT EXISTS (
					SELECT 1 FROM dead_letters dl
					WHERE dl.retry_metadata_id = md.id AND dl.status = 'awaiting_intervention'
				  )
				  AND NOT EXISTS (
					SELECT 1 FROM metadata child
					WHERE child.parent_id = md.id
					  AND child.workflow_state NOT IN ('completed', 'failed', 'cancelled')
				  )
				ORDER BY md.start_time ASC
				LIMIT $2
			)
			DELETE FROM metadata WHERE id IN (SELECT id FROM candidates)
		`, olderThan, batchSize)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func (s *Store) ListByManifest(ctx context.Context, manifestID string, limit int) ([]metadata.Metadata, error) {
	var out []metadata.Metadata
	err := s.observe("metadata.list_by_manifest", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+metadataColumns+` FROM metadata
			WHERE manifest_id = $1
			ORDER BY start_time DESC
			LIMIT $2
		`, manifestID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, scanErr := scanMetadata(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}
