package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/strategy-cache-proxy/internal/store"
	"github.com/iTrooz/strategy-cache-proxy/internal/store/memory"
)

const (
	staticCache  = "app-v1-static"
	dynamicCache = "app-v1-dynamic"
	imageCache   = "app-v1-images"
	offlineKey   = "GET https://shop.example.com/offline"
)

// fakeNetwork serves requests through handler in-process and counts them
type fakeNetwork struct {
	handler http.HandlerFunc
	calls   atomic.Int32
}

func (n *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	rec := httptest.NewRecorder()
	n.handler(rec, req)
	return rec.Result(), nil
}

func fixture_network(handler http.HandlerFunc) *fakeNetwork {
	return &fakeNetwork{handler: handler}
}

var failingNetwork = FetcherFunc(func(req *http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
})

func fixture_engine(t *testing.T, s store.Store, fetcher Fetcher) *Engine {
	t.Helper()
	engine, err := New(Config{
		Store:          s,
		Fetcher:        fetcher,
		Timeout:        time.Second,
		DynamicCache:   dynamicCache,
		DynamicLimit:   50,
		FallbackCaches: []string{staticCache, dynamicCache, imageCache},
		OfflineKey:     offlineKey,
	})
	require.NoError(t, err)
	return engine
}

func newRequest(url, accept string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func seed(t *testing.T, s store.Store, cacheName, key, body string) {
	t.Helper()
	c, err := s.Open(context.Background(), cacheName)
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), key, &store.Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}))
}

func cachedBody(t *testing.T, s store.Store, cacheName, key string) (string, bool) {
	t.Helper()
	c, err := s.Open(context.Background(), cacheName)
	require.NoError(t, err)
	entry, err := c.Match(context.Background(), key)
	require.NoError(t, err)
	if entry == nil {
		return "", false
	}
	return string(entry.Body), true
}

func TestNew(t *testing.T) {
	s := memory.New()
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {})

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing timeout", Config{Store: s, Fetcher: net, DynamicCache: dynamicCache}, "timeout"},
		{"negative timeout", Config{Store: s, Fetcher: net, DynamicCache: dynamicCache, Timeout: -time.Second}, "timeout"},
		{"missing store", Config{Fetcher: net, DynamicCache: dynamicCache, Timeout: time.Second}, "store"},
		{"missing fetcher", Config{Store: s, DynamicCache: dynamicCache, Timeout: time.Second}, "fetcher"},
		{"missing dynamic cache", Config{Store: s, Fetcher: net, Timeout: time.Second}, "dynamic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCacheFirstHitMakesNoNetworkCall(t *testing.T) {
	s := memory.New()
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("from network"))
	})
	engine := fixture_engine(t, s, net)

	url := "https://shop.example.com/assets/app.css"
	seed(t, s, staticCache, "GET "+url, "from cache")

	resp, err := engine.CacheFirst(context.Background(), newRequest(url, "*/*"), staticCache, 0)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusHit, resp.Header.Get(HeaderCache))
	assert.Equal(t, "from cache", readBody(t, resp))
	assert.Zero(t, net.calls.Load())
}

func TestCacheFirstMissStores(t *testing.T) {
	s := memory.New()
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	})
	engine := fixture_engine(t, s, net)
	url := "https://shop.example.com/assets/app.css"

	resp, err := engine.CacheFirst(context.Background(), newRequest(url, "*/*"), staticCache, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, "body{}", readBody(t, resp))

	body, ok := cachedBody(t, s, staticCache, "GET "+url)
	require.True(t, ok)
	assert.Equal(t, "body{}", body)

	// second request is served from cache
	resp, err = engine.CacheFirst(context.Background(), newRequest(url, "*/*"), staticCache, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, resp.Header.Get(HeaderCache))
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))
	assert.EqualValues(t, 1, net.calls.Load())
}

func TestCacheFirstNotFoundIsNotStored(t *testing.T) {
	s := memory.New()
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})
	engine := fixture_engine(t, s, net)
	url := "https://shop.example.com/assets/gone.js"

	resp, err := engine.CacheFirst(context.Background(), newRequest(url, "*/*"), staticCache, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "missing\n", readBody(t, resp))

	_, ok := cachedBody(t, s, staticCache, "GET "+url)
	assert.False(t, ok)
}

func TestCacheFirstNetworkFailurePropagates(t *testing.T) {
	engine := fixture_engine(t, memory.New(), failingNetwork)

	_, err := engine.CacheFirst(context.Background(), newRequest("https://shop.example.com/app.js", ""), staticCache, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestCacheFirstBoundedTrimsOldest(t *testing.T) {
	s := memory.New()
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	})
	engine := fixture_engine(t, s, net)

	const maxEntries, k = 3, 2
	var keys []string
	for i := 0; i < maxEntries+k; i++ {
		url := fmt.Sprintf("https://shop.example.com/img/%d.png", i)
		keys = append(keys, "GET "+url)
		_, err := engine.CacheFirst(context.Background(), newRequest(url, "image/*"), imageCache, maxEntries)
		require.NoError(t, err)
	}

	c, err := s.Open(context.Background(), imageCache)
	require.NoError(t, err)
	got, err := c.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keys[k:], got)
	for _, key := range keys[:k] {
		_, ok := cachedBody(t, s, imageCache, key)
		assert.False(t, ok, key)
	}
}

func TestNetworkFirstStoresFreshResponse(t *testing.T) {
	s := memory.New()
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fresh page"))
	})
	engine := fixture_engine(t, s, net)
	url := "https://shop.example.com/products/shoe"
	seed(t, s, dynamicCache, "GET "+url, "old page")

	resp, err := engine.NetworkFirst(context.Background(), newRequest(url, "text/html"))
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, "fresh page", readBody(t, resp))

	body, ok := cachedBody(t, s, dynamicCache, "GET "+url)
	require.True(t, ok)
	assert.Equal(t, "fresh page", body)
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	s := memory.New()
	engine := fixture_engine(t, s, failingNetwork)
	url := "https://shop.example.com/products/shoe"
	seed(t, s, dynamicCache, "GET "+url, "cached page")

	resp, err := engine.NetworkFirst(context.Background(), newRequest(url, "text/html"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusHit, resp.Header.Get(HeaderCache))
	assert.Equal(t, "cached page", readBody(t, resp))
}

func TestNetworkFirstOfflinePage(t *testing.T) {
	s := memory.New()
	engine := fixture_engine(t, s, failingNetwork)
	seed(t, s, staticCache, offlineKey, "you are offline")

	resp, err := engine.NetworkFirst(context.Background(), newRequest("https://shop.example.com/products/new", "text/html,*/*"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusOffline, resp.Header.Get(HeaderCache))
	assert.Equal(t, "you are offline", readBody(t, resp))
}

func TestNetworkFirstServiceUnavailable(t *testing.T) {
	s := memory.New()
	engine := fixture_engine(t, s, failingNetwork)
	seed(t, s, staticCache, offlineKey, "you are offline")

	// not a navigation, so the offline page does not apply
	resp, err := engine.NetworkFirst(context.Background(), newRequest("https://shop.example.com/api/stock", "application/json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "503 Service Unavailable", resp.Status)
	assert.Equal(t, "Offline", readBody(t, resp))
}

func TestNetworkFirstMissingOfflinePage(t *testing.T) {
	engine := fixture_engine(t, memory.New(), failingNetwork)

	resp, err := engine.NetworkFirst(context.Background(), newRequest("https://shop.example.com/", "text/html"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNetworkFirstTimeoutFallsBack(t *testing.T) {
	s := memory.New()
	hanging := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
	engine, err := New(Config{
		Store:          s,
		Fetcher:        hanging,
		Timeout:        20 * time.Millisecond,
		DynamicCache:   dynamicCache,
		FallbackCaches: []string{dynamicCache},
	})
	require.NoError(t, err)

	url := "https://shop.example.com/slow"
	seed(t, s, dynamicCache, "GET "+url, "cached slow page")

	start := time.Now()
	resp, err := engine.NetworkFirst(context.Background(), newRequest(url, "text/html"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "cached slow page", readBody(t, resp))
}

func TestNetworkFirstDynamicBound(t *testing.T) {
	s := memory.New()
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("page"))
	})
	engine, err := New(Config{
		Store:        s,
		Fetcher:      net,
		Timeout:      time.Second,
		DynamicCache: dynamicCache,
		DynamicLimit: 2,
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := engine.NetworkFirst(context.Background(), newRequest(fmt.Sprintf("https://shop.example.com/p/%d", i), "text/html"))
		require.NoError(t, err)
	}

	c, err := s.Open(context.Background(), dynamicCache)
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"GET https://shop.example.com/p/2", "GET https://shop.example.com/p/3"}, keys)
}

func TestStaleWhileRevalidateServesStaleThenUpdates(t *testing.T) {
	s := memory.New()
	release := make(chan struct{})
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("new value"))
	})
	engine := fixture_engine(t, s, net)
	url := "https://shop.example.com/api/recommendations"
	seed(t, s, dynamicCache, "GET "+url, "old value")

	// the network is blocked, so this can only be answered from cache
	resp, err := engine.StaleWhileRevalidate(context.Background(), newRequest(url, "*/*"), dynamicCache, 50)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, resp.Header.Get(HeaderCache))
	assert.Equal(t, "old value", readBody(t, resp))

	close(release)
	engine.Wait()

	body, ok := cachedBody(t, s, dynamicCache, "GET "+url)
	require.True(t, ok)
	assert.Equal(t, "new value", body)

	resp, err = engine.StaleWhileRevalidate(context.Background(), newRequest(url, "*/*"), dynamicCache, 50)
	require.NoError(t, err)
	assert.Equal(t, "new value", readBody(t, resp))
	engine.Wait()
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	s := memory.New()
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first value"))
	})
	engine := fixture_engine(t, s, net)
	url := "https://shop.example.com/api/feed"

	resp, err := engine.StaleWhileRevalidate(context.Background(), newRequest(url, "*/*"), dynamicCache, 50)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, "first value", readBody(t, resp))

	engine.Wait()
	body, ok := cachedBody(t, s, dynamicCache, "GET "+url)
	require.True(t, ok)
	assert.Equal(t, "first value", body)
}

func TestStaleWhileRevalidateMissNetworkFailure(t *testing.T) {
	engine := fixture_engine(t, memory.New(), failingNetwork)

	_, err := engine.StaleWhileRevalidate(context.Background(), newRequest("https://shop.example.com/api/feed", ""), dynamicCache, 50)
	assert.ErrorIs(t, err, ErrNetwork)
	engine.Wait()
}

func TestStaleWhileRevalidateBackgroundFailureKeepsCache(t *testing.T) {
	s := memory.New()
	engine := fixture_engine(t, s, failingNetwork)
	url := "https://shop.example.com/api/feed"
	seed(t, s, dynamicCache, "GET "+url, "old value")

	resp, err := engine.StaleWhileRevalidate(context.Background(), newRequest(url, ""), dynamicCache, 50)
	require.NoError(t, err)
	assert.Equal(t, "old value", readBody(t, resp))
	engine.Wait()

	body, ok := cachedBody(t, s, dynamicCache, "GET "+url)
	require.True(t, ok)
	assert.Equal(t, "old value", body)
}

// brokenStore hands out caches whose writes always fail
type brokenStore struct {
	store.Store
}

func (s brokenStore) Open(ctx context.Context, name string) (store.Cache, error) {
	c, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return brokenCache{c}, nil
}

type brokenCache struct {
	store.Cache
}

func (brokenCache) Put(context.Context, string, *store.Entry) error {
	return errors.New("quota exceeded")
}

func TestPutFailureDoesNotFailRequest(t *testing.T) {
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("content"))
	})
	engine := fixture_engine(t, brokenStore{memory.New()}, net)
	url := "https://shop.example.com/assets/app.js"

	resp, err := engine.CacheFirst(context.Background(), newRequest(url, ""), staticCache, 0)
	require.NoError(t, err)
	assert.Equal(t, "content", readBody(t, resp))

	resp, err = engine.NetworkFirst(context.Background(), newRequest(url, "text/html"))
	require.NoError(t, err)
	assert.Equal(t, "content", readBody(t, resp))
}

func TestRateLimitedLogger(t *testing.T) {
	l := newRateLimitedLogger(time.Hour)
	l.Warnf("first")
	l.Warnf("second")
	l.Warnf("third")
	assert.Equal(t, 2, l.dropped)
}

// unopenableStore fails to open any cache
type unopenableStore struct {
	store.Store
}

func (unopenableStore) Open(context.Context, string) (store.Cache, error) {
	return nil, errors.New("storage unavailable")
}

func TestUnopenableCacheFallsBackToNetwork(t *testing.T) {
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("live"))
	})
	engine := fixture_engine(t, unopenableStore{memory.New()}, net)
	ctx := context.Background()

	resp, err := engine.CacheFirst(ctx, newRequest("https://shop.example.com/assets/app.css", ""), staticCache, 0)
	require.NoError(t, err)
	assert.Equal(t, "live", readBody(t, resp))
	assert.Equal(t, StatusMiss, resp.Header.Get(HeaderCache))

	resp, err = engine.StaleWhileRevalidate(ctx, newRequest("https://shop.example.com/api/feed", ""), dynamicCache, 50)
	require.NoError(t, err)
	assert.Equal(t, "live", readBody(t, resp))

	resp, err = engine.NetworkFirst(ctx, newRequest("https://shop.example.com/products/shoe", "text/html"))
	require.NoError(t, err)
	assert.Equal(t, "live", readBody(t, resp))

	engine.Wait()
	assert.EqualValues(t, 3, net.calls.Load())
}

func TestCachedResponseReportsAge(t *testing.T) {
	s := memory.New()
	engine := fixture_engine(t, s, failingNetwork)
	url := "https://shop.example.com/assets/app.css"

	c, err := s.Open(context.Background(), staticCache)
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), "GET "+url, &store.Entry{
		Status:   http.StatusOK,
		Header:   http.Header{},
		Body:     []byte("old"),
		StoredAt: time.Now().Add(-90 * time.Second),
	}))

	resp, err := engine.CacheFirst(context.Background(), newRequest(url, ""), staticCache, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, resp.Header.Get(HeaderCache))
	age, err := strconv.Atoi(resp.Header.Get("Age"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, age, 90)
	assert.Less(t, age, 120)
}

func TestFreshResponseHasNoAge(t *testing.T) {
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("live"))
	})
	engine := fixture_engine(t, memory.New(), net)

	resp, err := engine.CacheFirst(context.Background(), newRequest("https://shop.example.com/app.js", ""), staticCache, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Age"))
}

func TestNetworkFirstReturnsServerErrors(t *testing.T) {
	s := memory.New()
	net := fixture_network(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	engine := fixture_engine(t, s, net)
	url := "https://shop.example.com/products/shoe"
	seed(t, s, dynamicCache, "GET "+url, "cached page")

	// an answer from the origin is not a network failure, even a 5xx
	resp, err := engine.NetworkFirst(context.Background(), newRequest(url, "text/html"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, ok := cachedBody(t, s, dynamicCache, "GET "+url)
	require.True(t, ok)
	assert.Equal(t, "cached page", body)
}
