package postgres

import (
	"context"
	"time"

	"github.com/geocoder89/manifold/internal/domain/workqueue"
	"github.com/jackc/pgx/v5"
)

const workQueueColumns = `
	id, workflow_name, input_json, input_type_name, manifest_id,
	priority, status, created_at, dispatched_at, run_after
`

func scanWorkQueueEntry(row pgx.Row) (workqueue.Entry, error) {
	var e workqueue.Entry
	var status string
	err := row.Scan(
		&e.ID, &e.WorkflowName, &e.InputJSON, &e.InputTypeName, &e.ManifestID,
		&e.Priority, &status, &e.CreatedAt, &e.DispatchedAt, &e.RunAfter,
	)
	if err != nil {
		return workqueue.Entry{}, err
	}
	e.Status = workqueue.Status(status)
	return e, nil
}

func (s *Store) Enqueue(ctx context.Context, req workqueue.CreateRequest) (workqueue.Entry, error) {
	e := workqueue.New(req)
	err := s.observe("work_queue.enqueue", func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO work_queue(
				workflow_name, input_json, input_type_name, manifest_id,
				priority, status, created_at, run_after
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING id
		`, e.WorkflowName, e.InputJSON, e.InputTypeName, e.ManifestID, e.Priority, string(e.Status), e.CreatedAt, e.RunAfter).Scan(&e.ID)
	})
	if err != nil {
		return workqueue.Entry{}, err
	}
	return e, nil
}

// ClaimWorkQueue claims up to limit Queued rows whose run_after (if any)
// has elapsed, oldest-highest-priority first, skipping rows already
// locked by a concurrent dispatcher.
func (s *Store) ClaimWorkQueue(ctx context.Context, limit int, now time.Time) ([]workqueue.Entry, error) {
	var out []workqueue.Entry
	err := s.observe("work_queue.claim", func() error {
		rows, err := s.pool.Query(ctx, `
			WITH next AS (
				SELECT id
				FROM work_queue
				WHERE status = 'queued'
				  AND (run_after IS NULL OR run_after <= $2)
				ORDER BY priority DESC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $1
			)
			UPDATE work_queue
			SET status = 'dispatched', dispatched_at = $2
			WHERE id IN (SELECT id FROM next)
			RETURNING `+workQueueColumns, limit, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, scanErr := scanWorkQueueEntry(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// ReleaseClaim rolls a Dispatched row back to Queued, bumping its
// priority — used on the group-semaphore-unavailable anti-starvation path
// so a starved group's backlog doesn't keep losing the race.
func (s *Store) ReleaseClaim(ctx context.Context, id string, priorityDelta int) error {
	var rowsAffected int64
	err := s.observe("work_queue.release_claim", func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE work_queue
			SET status = 'queued', dispatched_at = NULL, priority = priority + $2
			WHERE id = $1 AND status = 'dispatched'
		`, id, priorityDelta)
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
		return workqueue.ErrStateConflict
	}
	return nil
}

func (s *Store) CancelQueued(ctx context.Context, id string) error {
	var rowsAffected int64
	err := s.observe("work_queue.cancel_queued", func() error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE work_queue SET status = 'cancelled' WHERE id = $1 AND status = 'queued'
		`, id)
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
		return workqueue.ErrStateConflict
	}
	return nil
}

func (s *Store) ListQueued(ctx context.Context, limit int) ([]workqueue.Entry, error) {
	var out []workqueue.Entry
	err := s.observe("work_queue.list_queued", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+workQueueColumns+` FROM work_queue
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, scanErr := scanWorkQueueEntry(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
