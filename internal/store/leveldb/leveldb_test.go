package leveldb

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/strategy-cache-proxy/internal/store"
	"github.com/iTrooz/strategy-cache-proxy/internal/store/storetest"
)

func TestLevelDBStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(filepath.Join(t.TempDir(), "leveldb"))
		require.NoError(t, err)
		return s
	})
}

func TestLevelDBStaleHandle(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "leveldb"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	stale, err := s.Open(ctx, "app-v1-dynamic")
	require.NoError(t, err)
	_, err = s.Delete(ctx, "app-v1-dynamic")
	require.NoError(t, err)

	err = stale.Put(ctx, store.KeyFor("GET", "https://example.com/"), &store.Entry{Status: http.StatusOK})
	assert.ErrorIs(t, err, ErrCacheDeleted)

	// the recreated cache gets a fresh id
	fresh, err := s.Open(ctx, "app-v1-dynamic")
	require.NoError(t, err)
	assert.NotEqual(t, stale.(*cache).id, fresh.(*cache).id)
}

func TestLevelDBPersistsOrderAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leveldb")

	s, err := New(path)
	require.NoError(t, err)
	c, err := s.Open(ctx, "app-v1-images")
	require.NoError(t, err)
	want := []string{
		store.KeyFor("GET", "https://example.com/z.png"),
		store.KeyFor("GET", "https://example.com/a.png"),
	}
	for _, k := range want {
		require.NoError(t, c.Put(ctx, k, &store.Entry{Status: http.StatusOK, Header: http.Header{}}))
	}
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	c, err = s.Open(ctx, "app-v1-images")
	require.NoError(t, err)
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, keys)
}
