package postgres

import (
	"context"
	"errors"

	"github.com/geocoder89/manifold/internal/domain/manifestgroup"
	"github.com/jackc/pgx/v5"
)

const manifestGroupColumns = `id, name, max_active_jobs, priority, is_enabled, created_at, updated_at`

func scanManifestGroup(row pgx.Row) (manifestgroup.Group, error) {
	var g manifestgroup.Group
	err := row.Scan(&g.ID, &g.Name, &g.MaxActiveJobs, &g.Priority, &g.IsEnabled, &g.CreatedAt, &g.UpdatedAt)
	return g, err
}

func (s *Store) GetManifestGroup(ctx context.Context, id string) (manifestgroup.Group, error) {
	var g manifestgroup.Group
	err := s.observe("manifest_groups.get", func() error {
		row := s.pool.QueryRow(ctx, `SELECT `+manifestGroupColumns+` FROM manifest_groups WHERE id = $1`, id)
		var scanErr error
		g, scanErr = scanManifestGroup(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return manifestgroup.Group{}, manifestgroup.ErrNotFound
	}
	return g, err
}

func (s *Store) ListManifestGroups(ctx context.Context) ([]manifestgroup.Group, error) {
	var out []manifestgroup.Group
	err := s.observe("manifest_groups.list", func() error {
		rows, err := s.pool.Query(ctx, `SELECT `+manifestGroupColumns+` FROM manifest_groups ORDER BY name ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			g, scanErr := scanManifestGroup(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) CreateManifestGroup(ctx context.Context, req manifestgroup.CreateRequest) (manifestgroup.Group, error) {
	g := manifestgroup.New(req)
	err := s.observe("manifest_groups.create", func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO manifest_groups(name, max_active_jobs, priority, is_enabled, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id
		`, g.Name, g.MaxActiveJobs, g.Priority, g.IsEnabled, g.CreatedAt, g.UpdatedAt).Scan(&g.ID)
	})
	if err != nil {
		return manifestgroup.Group{}, err
	}
	return g, nil
}
