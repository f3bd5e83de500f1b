// Package sqlite implements conduit.CacheHandle backed by a local SQLite
// file using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	conduit "github.com/conduitdev/conduit"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Cache implements conduit.CacheHandle for one cache name.
type Cache struct {
	db   *sql.DB
	name string
}

// Open creates a cache handle over a SQLite file at dbPath. It opens a
// single shared connection (SetMaxOpenConns(1)) so all goroutines
// serialize through one connection, eliminating SQLITE_BUSY errors from
// concurrent writers.
func Open(ctx context.Context, dbPath, cacheName string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		return nil, fmt.Errorf("sqlite: open driver: %w", err)
	}
	db.SetMaxOpenConns(1)
	c := &Cache{db: db, name: cacheName}
	if err := c.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) init(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cache_entries (
			cache_name TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (cache_name, cache_key)
		)`)
	if err != nil {
		return fmt.Errorf("sqlite: create cache table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached response for key, or (nil, nil) on a miss.
func (c *Cache) Get(ctx context.Context, key string) (*conduit.GenerationResponse, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM cache_entries WHERE cache_name = ? AND cache_key = ?`,
		c.name, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: cache get: %w", err)
	}
	return conduit.DecodeResponse(payload)
}

// Set upserts the response under key, refreshing updated_at.
func (c *Cache) Set(ctx context.Context, key string, resp *conduit.GenerationResponse) error {
	payload, err := conduit.EncodeResponse(resp)
	if err != nil {
		return err
	}
	now := conduit.NowMillis()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_name, cache_key, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (cache_name, cache_key)
		DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		c.name, key, payload, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: cache set: %w", err)
	}
	return nil
}

// Wipe removes every entry in this cache partition.
func (c *Cache) Wipe(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, c.name)
	if err != nil {
		return fmt.Errorf("sqlite: cache wipe: %w", err)
	}
	return nil
}

// Stats summarizes this cache partition.
func (c *Cache) Stats(ctx context.Context) (conduit.CacheStats, error) {
	var stats conduit.CacheStats
	err := c.db.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(min(created_at), 0), COALESCE(max(created_at), 0)
		FROM cache_entries WHERE cache_name = ?`,
		c.name).Scan(&stats.Entries, &stats.OldestMillis, &stats.NewestMillis)
	if err != nil {
		return conduit.CacheStats{}, fmt.Errorf("sqlite: cache stats: %w", err)
	}
	return stats, nil
}

var _ conduit.CacheHandle = (*Cache)(nil)
