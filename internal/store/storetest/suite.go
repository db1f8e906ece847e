// Package storetest is a conformance suite every store backend must pass
package storetest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/strategy-cache-proxy/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run runs the whole suite against the stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"OpenCreatesCache", testOpenCreatesCache},
		{"MatchMiss", testMatchMiss},
		{"PutMatch", testPutMatch},
		{"KeysInsertionOrder", testKeysInsertionOrder},
		{"PutExistingMovesToEnd", testPutExistingMovesToEnd},
		{"DeleteKey", testDeleteKey},
		{"CachesAreIsolated", testCachesAreIsolated},
		{"DeleteCache", testDeleteCache},
		{"DeletedHandleDoesNotResurrect", testDeletedHandleDoesNotResurrect},
		{"Trim", testTrim},
		{"ConcurrentPuts", testConcurrentPuts},
		{"ConcurrentPutTrim", testConcurrentPutTrim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer func() { _ = s.Close() }()
			tt.fn(t, s)
		})
	}
}

func entry(body string) *store.Entry {
	return &store.Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

func key(i int) string {
	return store.KeyFor("GET", fmt.Sprintf("https://example.com/item/%d?q=%d", i, i))
}

func open(t *testing.T, s store.Store, name string) store.Cache {
	t.Helper()
	c, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func testOpenCreatesCache(t *testing.T, s store.Store) {
	ctx := context.Background()

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	c := open(t, s, "app-v1-static")
	assert.Equal(t, "app-v1-static", c.Name())
	open(t, s, "app-v1-static")
	open(t, s, "app-v1-images")

	names, err = s.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-v1-static", "app-v1-images"}, names)
}

func testMatchMiss(t *testing.T, s store.Store) {
	got, err := open(t, s, "app-v1-dynamic").Match(context.Background(), key(1))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testPutMatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := open(t, s, "app-v1-dynamic")

	require.NoError(t, c.Put(ctx, key(1), entry("first")))
	got, err := c.Match(ctx, key(1))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "first", string(got.Body))
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

	// last write wins
	require.NoError(t, c.Put(ctx, key(1), entry("second")))
	got, err = c.Match(ctx, key(1))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got.Body))

	// reopened handles see the same data
	got, err = open(t, s, "app-v1-dynamic").Match(ctx, key(1))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", string(got.Body))
}

func testKeysInsertionOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := open(t, s, "app-v1-images")

	// insertion order deliberately differs from lexical order
	order := []int{5, 1, 12, 3, 40, 2}
	want := make([]string, 0, len(order))
	for _, i := range order {
		require.NoError(t, c.Put(ctx, key(i), entry("x")))
		want = append(want, key(i))
	}

	got, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func testPutExistingMovesToEnd(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := open(t, s, "app-v1-images")

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Put(ctx, key(i), entry("x")))
	}
	require.NoError(t, c.Put(ctx, key(0), entry("y")))

	got, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key(1), key(2), key(0)}, got)
}

func testDeleteKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := open(t, s, "app-v1-dynamic")

	require.NoError(t, c.Put(ctx, key(1), entry("x")))
	require.NoError(t, c.Put(ctx, key(2), entry("x")))

	deleted, err := c.Delete(ctx, key(1))
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete(ctx, key(1))
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err := c.Match(ctx, key(1))
	require.NoError(t, err)
	assert.Nil(t, got)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key(2)}, keys)
}

func testCachesAreIsolated(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := open(t, s, "app-v1-static")
	b := open(t, s, "app-v1-dynamic")

	require.NoError(t, a.Put(ctx, key(1), entry("a")))

	got, err := b.Match(ctx, key(1))
	require.NoError(t, err)
	assert.Nil(t, got)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testDeleteCache(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := open(t, s, "app-v1-static")
	open(t, s, "app-v2-static")
	require.NoError(t, old.Put(ctx, key(1), entry("x")))

	deleted, err := s.Delete(ctx, "app-v1-static")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "app-v1-static")
	require.NoError(t, err)
	assert.False(t, deleted)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v2-static"}, names)

	// reopening yields an empty cache
	keys, err := open(t, s, "app-v1-static").Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testDeletedHandleDoesNotResurrect(t *testing.T, s store.Store) {
	ctx := context.Background()
	stale := open(t, s, "app-v1-dynamic")

	_, err := s.Delete(ctx, "app-v1-dynamic")
	require.NoError(t, err)

	// a write racing the deletion may fail; it must not become visible
	_ = stale.Put(ctx, key(1), entry("late"))

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "app-v1-dynamic")

	got, err := open(t, s, "app-v1-dynamic").Match(ctx, key(1))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testTrim(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := open(t, s, "app-v1-images")

	const max, extra = 5, 3
	for i := 0; i < max+extra; i++ {
		require.NoError(t, c.Put(ctx, key(i), entry("x")))
	}

	removed, err := store.Trim(ctx, c, max)
	require.NoError(t, err)
	assert.Equal(t, extra, removed)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, max)
	for i := 0; i < extra; i++ {
		assert.NotContains(t, keys, key(i))
	}
}

func testConcurrentPuts(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := open(t, s, "app-v1-dynamic")

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, c.Put(ctx, key(w*perWorker+i), entry("x")))
				_, err := c.Match(ctx, key(w*perWorker))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, workers*perWorker)
}

func testConcurrentPutTrim(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := open(t, s, "app-v1-images")

	const workers, perWorker, max = 8, 40, 5
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, c.Put(ctx, key(w*perWorker+i), entry("x")))
				_, err := store.Trim(ctx, c, max)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	// a put landing between a trim's listing and its deletes may leave one extra entry
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(keys), max+1)

	_, err = store.Trim(ctx, c, max)
	require.NoError(t, err)
	keys, err = c.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, max)
}
