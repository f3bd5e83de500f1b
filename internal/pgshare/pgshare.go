// Package pgshare maintains one PostgreSQL connection pool per database
// URL, shared across every cache and repository handle in the process.
// Acquisition is guarded by a per-key mutex so concurrent first use never
// constructs duplicate pools, and idle-broken pools are detected and
// recreated transparently.
package pgshare

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry holds the per-DSN pools.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewRegistry creates an empty registry. Most callers use the package-level
// Default.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Default is the process-wide registry.
var Default = NewRegistry()

// Acquire returns the pool for dsn, creating it on first use. A pool whose
// connections have gone stale (failed ping) is closed and rebuilt.
func (r *Registry) Acquire(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	r.mu.Lock()
	e, ok := r.entries[dsn]
	if !ok {
		e = &entry{}
		r.entries[dsn] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		if err := e.pool.Ping(ctx); err == nil {
			return e.pool, nil
		}
		e.pool.Close()
		e.pool = nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgshare: create pool: %w", err)
	}
	e.pool = pool
	return pool, nil
}

// CloseAll closes every pool in the registry. Call at process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.mu.Lock()
		if e.pool != nil {
			e.pool.Close()
			e.pool = nil
		}
		e.mu.Unlock()
	}
	r.entries = make(map[string]*entry)
}
