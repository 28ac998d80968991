// Package postgres implements internal/store.Store over
// github.com/jackc/pgx/v5, following the teacher's jobs_repo.go texture:
// a SELECT...FOR UPDATE SKIP LOCKED claim pattern, pgconn.CommandTag
// row-count checks translated into sentinel errors, and an observe(op, fn)
// wrapper around every query feeding DB metrics.
package postgres

import (
	"context"
	"errors"

	"github.com/geocoder89/manifold/internal/observability"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the pgx-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func New(pool *pgxpool.Pool, prom *observability.Prom) *Store {
	return &Store{pool: pool, prom: prom}
}

func (s *Store) observe(op string, fn func() error) error {
	if s.prom != nil {
		return s.prom.ObserveDB(op, fn)
	}
	return fn()
}

// IsUniqueViolation reports whether err is a Postgres unique_violation
// (23505), which UpsertDeadLetter and CreateManifest use to map
// unique-index conflicts to domain errors.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
