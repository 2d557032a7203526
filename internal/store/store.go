// Package store is the Postgres queue.Store. The claim path runs a single
// UPDATE wrapping a FOR UPDATE SKIP LOCKED subselect, so concurrent workers
// across any number of processes never receive the same job twice. Dynamic
// queries (listing, retention) are built with squirrel; the hot paths are
// hand-written SQL on pgxpool.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shakilkhan1801/dispatchq/internal/queue"
)

// Store implements queue.Store on a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ queue.Store = (*Store)(nil)

// New creates a Store backed by pool. The pool's lifecycle belongs to the
// caller.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access,
// such as health probes.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
