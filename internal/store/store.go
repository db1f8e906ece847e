// Package store holds named caches of HTTP responses keyed by request identity.
//
// A Store owns any number of named caches (one per generation and purpose).
// Each cache remembers the insertion order of its keys, which is what trimming
// relies on. Implementations must be safe for concurrent use.
package store

import (
	"context"
	"fmt"
)

// Store is a set of named caches
type Store interface {
	// Open returns the named cache, creating it when it does not exist yet
	Open(ctx context.Context, name string) (Cache, error)
	// Delete removes the named cache and every entry in it at once.
	// Returns false when no such cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists the names of all existing caches
	Names(ctx context.Context) ([]string, error)
	// Close releases the resources held by the store
	Close() error
}

// Cache is a single named container of request key -> response entry
type Cache interface {
	Name() string
	// Match returns the entry stored under key.
	// returns nil, nil when not found
	Match(ctx context.Context, key string) (*Entry, error)
	// Put stores entry under key. Replacing a key moves it to the end of the insertion order.
	// Callers only store successful responses.
	Put(ctx context.Context, key string, entry *Entry) error
	// Delete removes key. Returns false when the key was not present.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys, oldest insertion first
	Keys(ctx context.Context) ([]string, error)
}

// Trim deletes the oldest-inserted keys of c until at most maxEntries remain.
// A non-positive maxEntries means the cache is unbounded and nothing is removed.
// It returns the number of deleted entries.
func Trim(ctx context.Context, c Cache, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}

	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list keys of %s: %w", c.Name(), err)
	}
	if len(keys) <= maxEntries {
		return 0, nil
	}

	removed := 0
	for _, key := range keys[:len(keys)-maxEntries] {
		deleted, err := c.Delete(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("failed to trim %s from %s: %w", key, c.Name(), err)
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

// MatchAny looks key up in each named cache in turn and returns the first hit.
// Caches that cannot be opened or read are skipped.
func MatchAny(ctx context.Context, s Store, key string, names ...string) (*Entry, error) {
	var firstErr error
	for _, name := range names {
		c, err := s.Open(ctx, name)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to open %s: %w", name, err)
			}
			continue
		}
		entry, err := c.Match(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to match %s in %s: %w", key, name, err)
			}
			continue
		}
		if entry != nil {
			return entry, nil
		}
	}
	return nil, firstErr
}
