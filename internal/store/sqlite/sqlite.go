// Package sqlite is a persistent store backend on top of a SQLite database
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"github.com/iTrooz/strategy-cache-proxy/internal/store"
)

// AUTOINCREMENT keeps ids of deleted caches from being reused by new ones
var schema = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	`CREATE TABLE IF NOT EXISTS caches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		cache_id INTEGER NOT NULL REFERENCES caches(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (cache_id, key)
	)`,
	"CREATE INDEX IF NOT EXISTS entries_seq_idx ON entries (cache_id, seq)",
}

// Store implements store.Store in a SQLite database
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at filename.
// An empty filename opens a private in-memory database.
func New(filename string) (*Store, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", filename, err)
	}
	// A single connection serialises writers and keeps pragmas and
	// in-memory databases bound to one session.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize sqlite database: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Open(ctx context.Context, name string) (store.Cache, error) {
	if _, err := s.db.ExecContext(ctx, "INSERT INTO caches (name) VALUES (?) ON CONFLICT(name) DO NOTHING", name); err != nil {
		return nil, fmt.Errorf("failed to create cache %s: %w", name, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM caches WHERE name = ?", name).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to look up cache %s: %w", name, err)
	}
	return &cache{db: s.db, id: id, name: name}, nil
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM caches WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up cache %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache_id = ?", id); err != nil {
		return false, fmt.Errorf("failed to delete entries of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit deletion of %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type cache struct {
	db   *sql.DB
	id   int64
	name string
}

func (c *cache) Name() string {
	return c.name
}

func (c *cache) Match(ctx context.Context, key string) (*store.Entry, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, "SELECT data FROM entries WHERE cache_id = ? AND key = ?", c.id, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return store.Decode(data)
}

// Put inserts or replaces key with the next sequence number of the cache.
// Writes through a handle whose cache was deleted fail on the foreign key.
func (c *cache) Put(ctx context.Context, key string, entry *store.Entry) error {
	data, err := store.Encode(entry)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	_, err = c.db.ExecContext(ctx, `INSERT INTO entries (cache_id, key, seq, data)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE cache_id = ?), ?)
		ON CONFLICT(cache_id, key) DO UPDATE SET seq = excluded.seq, data = excluded.data`,
		c.id, key, c.id, data)
	if err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", key, c.name, err)
	}
	return nil
}

func (c *cache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE cache_id = ? AND key = ?", c.id, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT key FROM entries WHERE cache_id = ? ORDER BY seq", c.id)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", c.name, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
