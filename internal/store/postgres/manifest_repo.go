package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/geocoder89/manifold/internal/actorctx"
	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const manifestColumns = `
	id, external_id, name, properties_json, properties_type_name,
	schedule_type, cron_expression, interval_seconds,
	max_retries, timeout_seconds, retry_backoff_multiplier,
	default_retry_delay_seconds, max_retry_delay_seconds,
	manifest_group_id, depends_on_manifest_id,
	is_enabled, priority, disabled_note,
	last_successful_run_at, last_enqueued_at,
	created_at, updated_at
`

func scanManifest(row pgx.Row) (manifest.Manifest, error) {
	var m manifest.Manifest
	var scheduleType string

	err := row.Scan(
		&m.ID, &m.ExternalID, &m.Name, &m.PropertiesJSON, &m.PropertiesTypeName,
		&scheduleType, &m.CronExpression, &m.IntervalSeconds,
		&m.MaxRetries, &m.TimeoutSeconds, &m.RetryBackoffMultiplier,
		&m.DefaultRetryDelaySeconds, &m.MaxRetryDelaySeconds,
		&m.ManifestGroupID, &m.DependsOnManifestID,
		&m.IsEnabled, &m.Priority, &m.DisabledNote,
		&m.LastSuccessfulRunAt, &m.LastEnqueuedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return manifest.Manifest{}, err
	}
	m.ScheduleType = manifest.ScheduleType(scheduleType)
	return m, nil
}

// GetDueManifests selects enabled manifests whose schedule evaluates as
// due and which have no Pending/InProgress metadata, ordered
// (priority desc, lastEnqueuedAt asc nulls first). The schedule evaluation
// itself (cron/interval math) happens in internal/schedule against rows
// returned here filtered down to a due-candidate superset: manifests with
// scheduleType in (cron, interval) that aren't already in flight. The
// caller (Manager) re-checks exact due-ness via schedule.NextDueAt, since
// cron math isn't expressible in SQL without a Postgres cron extension.
func (s *Store) GetDueManifests(ctx context.Context, now time.Time, limit int) ([]manifest.Manifest, error) {
	var out []manifest.Manifest

	err := s.observe("manifests.get_due_candidates", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+manifestColumns+`
			FROM manifests m
			WHERE m.is_enabled = true
			  AND m.schedule_type IN ('cron', 'interval')
			  AND NOT EXISTS (
				SELECT 1 FROM metadata md
				WHERE md.manifest_id = m.id
				  AND md.workflow_state IN ('pending', 'in_progress')
			  )
			ORDER BY m.priority DESC, m.last_enqueued_at ASC NULLS FIRST
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, scanErr := scanManifest(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, m)
		}
		return rows.Err()
	})

	return out, err
}

func (s *Store) GetManifest(ctx context.Context, id string) (manifest.Manifest, error) {
	var m manifest.Manifest
	err := s.observe("manifests.get", func() error {
		row := s.pool.QueryRow(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE id = $1`, id)
		var scanErr error
		m, scanErr = scanManifest(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return manifest.Manifest{}, manifest.ErrNotFound
	}
	return m, err
}

func (s *Store) GetManifestByExternalID(ctx context.Context, externalID string) (manifest.Manifest, error) {
	var m manifest.Manifest
	err := s.observe("manifests.get_by_external_id", func() error {
		row := s.pool.QueryRow(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE external_id = $1`, externalID)
		var scanErr error
		m, scanErr = scanManifest(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return manifest.Manifest{}, manifest.ErrNotFound
	}
	return m, err
}

func (s *Store) ListManifests(ctx context.Context) ([]manifest.Manifest, error) {
	var out []manifest.Manifest
	err := s.observe("manifests.list", func() error {
		rows, err := s.pool.Query(ctx, `SELECT `+manifestColumns+` FROM manifests ORDER BY created_at ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, scanErr := scanManifest(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) CreateManifest(ctx context.Context, req manifest.CreateRequest) (manifest.Manifest, error) {
	m, err := manifest.New(req)
	if err != nil {
		return manifest.Manifest{}, err
	}

	err = s.observe("manifests.create", func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO manifests(
				external_id, name, properties_json, properties_type_name,
				schedule_type, cron_expression, interval_seconds,
				max_retries, timeout_seconds, retry_backoff_multiplier,
				default_retry_delay_seconds, max_retry_delay_seconds,
				manifest_group_id, depends_on_manifest_id,
				is_enabled, priority, created_at, updated_at
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
			)
			RETURNING id
		`,
			m.ExternalID, m.Name, m.PropertiesJSON, m.PropertiesTypeName,
			string(m.ScheduleType), m.CronExpression, m.IntervalSeconds,
			m.MaxRetries, m.TimeoutSeconds, m.RetryBackoffMultiplier,
			m.DefaultRetryDelaySeconds, m.MaxRetryDelaySeconds,
			m.ManifestGroupID, m.DependsOnManifestID,
			m.IsEnabled, m.Priority, m.CreatedAt, m.UpdatedAt,
		).Scan(&m.ID)
	})

	if err != nil {
		if IsUniqueViolation(err) {
			return manifest.Manifest{}, errors.Join(manifest.ErrInvalidSchedule, err)
		}
		return manifest.Manifest{}, err
	}
	return m, nil
}

// SetManifestEnabled flips isEnabled, recording a note — used by the
// InvalidSchedule error path (fatal for the offending manifest only) and
// by operator disable/enable actions.
func (s *Store) SetManifestEnabled(ctx context.Context, id string, enabled bool, note *string) error {
	if actor, ok := actorctx.UserIDFrom(ctx); ok {
		slog.Default().InfoContext(ctx, "manifest.set_enabled", "manifest_id", id, "enabled", enabled, "actor", actor)
	}

	var tag pgconn.CommandTag
	err := s.observe("manifests.set_enabled", func() error {
		var err error
		tag, err = s.pool.Exec(ctx, `
			UPDATE manifests SET is_enabled = $2, disabled_note = $3, updated_at = NOW() WHERE id = $1
		`, id, enabled, note)
		return err
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return manifest.ErrNotFound
	}
	return nil
}

func (s *Store) TouchLastEnqueuedAt(ctx context.Context, id string, at time.Time) error {
	var tag pgconn.CommandTag
	err := s.observe("manifests.touch_last_enqueued_at", func() error {
		var err error
		tag, err = s.pool.Exec(ctx, `UPDATE manifests SET last_enqueued_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
		return err
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return manifest.ErrNotFound
	}
	return nil
}

func (s *Store) SetLastSuccessfulRunAt(ctx context.Context, id string, at time.Time) error {
	var tag pgconn.CommandTag
	err := s.observe("manifests.set_last_successful_run_at", func() error {
		var err error
		tag, err = s.pool.Exec(ctx, `UPDATE manifests SET last_successful_run_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
		return err
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return manifest.ErrNotFound
	}
	return nil
}

// CountActiveJobs returns metadatas with state in {Pending, InProgress}
// whose manifest belongs to groupID.
func (s *Store) CountActiveJobs(ctx context.Context, groupID string) (int, error) {
	var n int
	err := s.observe("manifests.count_active_jobs", func() error {
		return s.pool.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM metadata md
			JOIN manifests m ON m.id = md.manifest_id
			WHERE m.manifest_group_id = $1
			  AND md.workflow_state IN ('pending', 'in_progress')
		`, groupID).Scan(&n)
	})
	return n, err
}

// DependencyCompletedSince reports whether parentManifestID has a
// Completed metadata whose endTime is >= since.
func (s *Store) DependencyCompletedSince(ctx context.Context, parentManifestID string, since time.Time) (bool, error) {
	var exists bool
	err := s.observe("manifests.dependency_completed_since", func() error {
		return s.pool.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM metadata
				WHERE manifest_id = $1
				  AND workflow_state = 'completed'
				  AND end_time >= $2
			)
		`, parentManifestID, since).Scan(&exists)
	})
	return exists, err
}
