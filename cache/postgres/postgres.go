// Package postgres implements conduit.CacheHandle backed by PostgreSQL.
//
// Entries are partitioned by cache name (the project name from Options) in
// one shared cache_entries table, so many applications can share a
// database. The handle accepts any pgx-compatible pool via constructor
// injection; Open wires it to the shared per-DSN pool registry.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	conduit "github.com/conduitdev/conduit"
	"github.com/conduitdev/conduit/internal/pgshare"
)

// DB is the subset of pgxpool.Pool the cache uses. pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Cache implements conduit.CacheHandle for one cache name.
type Cache struct {
	db   DB
	name string
}

// New creates a cache handle over an existing pool. The caller owns the
// pool lifecycle.
func New(db DB, cacheName string) *Cache {
	return &Cache{db: db, name: cacheName}
}

// Open acquires the shared pool for the database URL, creates the schema,
// and returns a handle scoped to cacheName.
func Open(ctx context.Context, dsn, cacheName string) (*Cache, error) {
	pool, err := pgshare.Default.Acquire(ctx, dsn)
	if err != nil {
		return nil, err
	}
	c := New(pool, cacheName)
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Init creates the cache table. Safe to call repeatedly.
func (c *Cache) Init(ctx context.Context) error {
	_, err := c.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache_entries (
			cache_name TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (cache_name, cache_key)
		)`)
	if err != nil {
		return fmt.Errorf("postgres: create cache table: %w", err)
	}
	return nil
}

// Get returns the cached response for key, or (nil, nil) on a miss.
func (c *Cache) Get(ctx context.Context, key string) (*conduit.GenerationResponse, error) {
	var payload []byte
	err := c.db.QueryRow(ctx,
		`SELECT payload FROM cache_entries WHERE cache_name = $1 AND cache_key = $2`,
		c.name, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: cache get: %w", err)
	}
	return conduit.DecodeResponse(payload)
}

// Set upserts the response under key, refreshing updated_at. Last writer
// wins.
func (c *Cache) Set(ctx context.Context, key string, resp *conduit.GenerationResponse) error {
	payload, err := conduit.EncodeResponse(resp)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(ctx, `
		INSERT INTO cache_entries (cache_name, cache_key, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_name, cache_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		c.name, key, payload)
	if err != nil {
		return fmt.Errorf("postgres: cache set: %w", err)
	}
	return nil
}

// Wipe removes every entry in this cache partition.
func (c *Cache) Wipe(ctx context.Context) error {
	_, err := c.db.Exec(ctx, `DELETE FROM cache_entries WHERE cache_name = $1`, c.name)
	if err != nil {
		return fmt.Errorf("postgres: cache wipe: %w", err)
	}
	return nil
}

// Stats summarizes this cache partition.
func (c *Cache) Stats(ctx context.Context) (conduit.CacheStats, error) {
	var stats conduit.CacheStats
	err := c.db.QueryRow(ctx, `
		SELECT count(*),
		       COALESCE((extract(epoch FROM min(created_at)) * 1000)::bigint, 0),
		       COALESCE((extract(epoch FROM max(created_at)) * 1000)::bigint, 0)
		FROM cache_entries WHERE cache_name = $1`,
		c.name).Scan(&stats.Entries, &stats.OldestMillis, &stats.NewestMillis)
	if err != nil {
		return conduit.CacheStats{}, fmt.Errorf("postgres: cache stats: %w", err)
	}
	return stats, nil
}

var _ conduit.CacheHandle = (*Cache)(nil)
