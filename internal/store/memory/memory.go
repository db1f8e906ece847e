// Package memory is an in-process store backend
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/iTrooz/strategy-cache-proxy/internal/store"
)

// Store implements store.Store in memory
type Store struct {
	mu     sync.RWMutex
	caches map[string]*cache
	order  []string
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		caches: make(map[string]*cache),
	}
}

func (s *Store) Open(_ context.Context, name string) (store.Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.caches[name]
	if !ok {
		c = &cache{name: name, entries: make(map[string]item)}
		s.caches[name] = c
		s.order = append(s.order, name)
	}
	return c, nil
}

func (s *Store) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	// Handles still held by in-flight requests keep pointing at the detached
	// cache; nothing written through them becomes visible again.
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *Store) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.order))
	copy(names, s.order)
	return names, nil
}

func (s *Store) Close() error {
	return nil
}

type item struct {
	seq   uint64
	entry *store.Entry
}

type cache struct {
	name string

	mu      sync.RWMutex
	seq     uint64
	entries map[string]item
}

func (c *cache) Name() string {
	return c.name
}

func (c *cache) Match(_ context.Context, key string) (*store.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return it.entry.Clone(), nil
}

func (c *cache) Put(_ context.Context, key string, entry *store.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.entries[key] = item{seq: c.seq, entry: entry.Clone()}
	return nil
}

func (c *cache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	return true, nil
}

func (c *cache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	type seqKey struct {
		seq uint64
		key string
	}
	items := make([]seqKey, 0, len(c.entries))
	for k, it := range c.entries {
		items = append(items, seqKey{it.seq, k})
	}
	c.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].seq < items[j].seq
	})

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.key
	}
	return keys, nil
}
