// Package leveldb is a persistent store backend on top of goleveldb.
//
// Layout:
//
//	n:<name>            -> cache id (8 bytes, big endian)
//	x:next              -> next cache id
//	e:<id>:<key>        -> seq (8 bytes) + encoded entry
//	o:<id>:<seq>        -> key
//
// ids and seqs inside keys are fixed-width hex so that lexical order is numeric order.
package leveldb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/iTrooz/strategy-cache-proxy/internal/store"
)

// ErrCacheDeleted is returned when writing through a handle whose cache was deleted
var ErrCacheDeleted = errors.New("cache was deleted")

var nextIDKey = []byte("x:next")

// Store implements store.Store in a LevelDB database
type Store struct {
	db *leveldb.DB

	// serialises read-modify-write sequences (ids, seqs, order index)
	mu sync.Mutex
}

// New opens (or creates) the database directory at path
func New(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func nameKey(name string) []byte {
	return []byte("n:" + name)
}

func entryPrefix(id uint64) []byte {
	return []byte(fmt.Sprintf("e:%016x:", id))
}

func orderPrefix(id uint64) []byte {
	return []byte(fmt.Sprintf("o:%016x:", id))
}

func orderKey(id, seq uint64) []byte {
	return []byte(fmt.Sprintf("o:%016x:%016x", id, seq))
}

func entryKey(id uint64, key string) []byte {
	return append(entryPrefix(id), key...)
}

func encodeUint(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// lookup returns the id of the named cache. Must hold s.mu for a consistent answer.
func (s *Store) lookup(name string) (uint64, bool, error) {
	b, err := s.db.Get(nameKey(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(b), true, nil
}

func (s *Store) Open(_ context.Context, name string) (store.Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok, err := s.lookup(name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up cache %s: %w", name, err)
	}
	if ok {
		return &cache{s: s, id: id, name: name}, nil
	}

	id = 1
	if b, err := s.db.Get(nextIDKey, nil); err == nil {
		id = binary.BigEndian.Uint64(b)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("failed to allocate cache id: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(nameKey(name), encodeUint(id))
	batch.Put(nextIDKey, encodeUint(id+1))
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("failed to create cache %s: %w", name, err)
	}
	return &cache{s: s, id: id, name: name}, nil
}

// Delete drops the name and every entry of the cache in a single batch
func (s *Store) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok, err := s.lookup(name)
	if err != nil {
		return false, fmt.Errorf("failed to look up cache %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(nameKey(name))
	for _, prefix := range [][]byte{entryPrefix(id), orderPrefix(id)} {
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(bytes.Clone(it.Key()))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, fmt.Errorf("failed to scan cache %s: %w", name, err)
		}
	}

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) Names(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()

	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	return names, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type cache struct {
	s    *Store
	id   uint64
	name string
}

func (c *cache) Name() string {
	return c.name
}

func (c *cache) Match(_ context.Context, key string) (*store.Entry, error) {
	b, err := c.s.db.Get(entryKey(c.id, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(b) < 8 {
		return nil, fmt.Errorf("corrupt entry for %s", key)
	}
	return store.Decode(b[8:])
}

// lastSeq returns the highest sequence number in use. Must hold c.s.mu.
func (c *cache) lastSeq() (uint64, error) {
	it := c.s.db.NewIterator(util.BytesPrefix(orderPrefix(c.id)), nil)
	defer it.Release()

	var seq uint64
	if it.Last() {
		if _, err := fmt.Sscanf(string(bytes.TrimPrefix(it.Key(), orderPrefix(c.id))), "%x", &seq); err != nil {
			return 0, fmt.Errorf("corrupt order key %q: %w", it.Key(), err)
		}
	}
	return seq, it.Error()
}

func (c *cache) Put(_ context.Context, key string, entry *store.Entry) error {
	data, err := store.Encode(entry)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	id, ok, err := c.s.lookup(c.name)
	if err != nil {
		return fmt.Errorf("failed to look up cache %s: %w", c.name, err)
	}
	if !ok || id != c.id {
		return fmt.Errorf("failed to write %s to %s: %w", key, c.name, ErrCacheDeleted)
	}

	seq, err := c.lastSeq()
	if err != nil {
		return err
	}
	seq++

	batch := new(leveldb.Batch)
	if old, err := c.s.db.Get(entryKey(c.id, key), nil); err == nil && len(old) >= 8 {
		batch.Delete(orderKey(c.id, binary.BigEndian.Uint64(old[:8])))
	}
	batch.Put(entryKey(c.id, key), append(encodeUint(seq), data...))
	batch.Put(orderKey(c.id, seq), []byte(key))

	if err := c.s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", key, c.name, err)
	}
	return nil
}

func (c *cache) Delete(_ context.Context, key string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	old, err := c.s.db.Get(entryKey(c.id, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(entryKey(c.id, key))
	if len(old) >= 8 {
		batch.Delete(orderKey(c.id, binary.BigEndian.Uint64(old[:8])))
	}
	if err := c.s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return true, nil
}

func (c *cache) Keys(_ context.Context) ([]string, error) {
	it := c.s.db.NewIterator(util.BytesPrefix(orderPrefix(c.id)), nil)
	defer it.Release()

	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(it.Value()))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", c.name, err)
	}
	return keys, nil
}
