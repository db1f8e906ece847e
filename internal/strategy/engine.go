// Package strategy implements the ways a request is satisfied from cache,
// network, or both: cache-first, network-first and stale-while-revalidate.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/strategy-cache-proxy/internal/store"
)

// HeaderCache reports how a response was produced
const HeaderCache = "X-Cache"

// Values of HeaderCache
const (
	StatusHit     = "HIT"
	StatusMiss    = "MISS"
	StatusStale   = "STALE"
	StatusOffline = "OFFLINE"
)

// ErrNetwork wraps every failure to obtain a response from the network
var ErrNetwork = errors.New("network request failed")

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(req *http.Request) (*http.Response, error)

func (f FetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Config holds the collaborators and settings of an Engine
type Config struct {
	Store   store.Store
	Fetcher Fetcher
	// Timeout bounds every network fetch. Required.
	Timeout time.Duration
	// DynamicCache receives network-first copies
	DynamicCache string
	// DynamicLimit bounds DynamicCache for network-first writes. 0 means unbounded.
	DynamicLimit int
	// FallbackCaches are searched in order when network-first fails
	FallbackCaches []string
	// OfflineKey is the store key of the offline placeholder page
	OfflineKey string
}

// Engine runs the caching strategies against a store and the network
type Engine struct {
	store          store.Store
	fetcher        Fetcher
	timeout        time.Duration
	dynamicCache   string
	dynamicLimit   int
	fallbackCaches []string
	offlineKey     string

	// background revalidations
	wg sync.WaitGroup

	putLog *rateLimitedLogger
}

// New creates an engine
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("network timeout is required")
	}
	if cfg.DynamicCache == "" {
		return nil, fmt.Errorf("dynamic cache name is required")
	}

	return &Engine{
		store:          cfg.Store,
		fetcher:        cfg.Fetcher,
		timeout:        cfg.Timeout,
		dynamicCache:   cfg.DynamicCache,
		dynamicLimit:   cfg.DynamicLimit,
		fallbackCaches: cfg.FallbackCaches,
		offlineKey:     cfg.OfflineKey,
		putLog:         newRateLimitedLogger(time.Minute),
	}, nil
}

// Wait blocks until every background revalidation has settled
func (e *Engine) Wait() {
	e.wg.Wait()
}

// fetch performs req against the network within the engine timeout and buffers the response.
// Any status is a successful fetch; only transport failures are errors.
func (e *Engine) fetch(ctx context.Context, req *http.Request) (*store.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out := req.Clone(ctx)
	out.RequestURI = ""

	resp, err := e.fetcher.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	entry, err := store.NewEntry(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL, err)
	}
	return entry, nil
}

// save stores a successful entry into c, then trims c to maxEntries.
// Failures are logged and swallowed: caching never fails a request.
func (e *Engine) save(ctx context.Context, c store.Cache, key string, entry *store.Entry, maxEntries int) {
	if !entry.OK() {
		return
	}
	// the request may be gone by now, the write should still land
	ctx = context.WithoutCancel(ctx)

	if err := c.Put(ctx, key, entry); err != nil {
		e.putLog.Warnf("Failed to cache %s in %s: %v", key, c.Name(), err)
		return
	}
	logrus.Debugf("Cached %s in %s", key, c.Name())

	if removed, err := store.Trim(ctx, c, maxEntries); err != nil {
		e.putLog.Warnf("Failed to trim %s: %v", c.Name(), err)
	} else if removed > 0 {
		logrus.Debugf("Trimmed %d entries from %s", removed, c.Name())
	}
}

// saveTo opens the named cache and saves entry into it
func (e *Engine) saveTo(ctx context.Context, cacheName, key string, entry *store.Entry, maxEntries int) {
	if !entry.OK() {
		return
	}
	c, err := e.store.Open(context.WithoutCancel(ctx), cacheName)
	if err != nil {
		e.putLog.Warnf("Failed to open cache %s: %v", cacheName, err)
		return
	}
	e.save(ctx, c, key, entry, maxEntries)
}

// match looks key up in c, treating read failures as misses
func match(ctx context.Context, c store.Cache, key string) *store.Entry {
	entry, err := c.Match(ctx, key)
	if err != nil {
		logrus.Warnf("Failed to read %s from %s, treating as miss: %v", key, c.Name(), err)
		return nil
	}
	return entry
}

func respond(entry *store.Entry, req *http.Request, status string) *http.Response {
	resp := entry.Response(req)
	resp.Header.Set(HeaderCache, status)
	return resp
}

// respondCached answers with a stored entry, reporting its age in seconds
func respondCached(entry *store.Entry, req *http.Request, status string) *http.Response {
	resp := respond(entry, req, status)
	if !entry.StoredAt.IsZero() {
		age := entry.Age(time.Now())
		resp.Header.Set("Age", strconv.Itoa(int(age.Seconds())))
		logrus.Debugf("%s %s from cache, stored %s ago", status, store.Key(req), age.Round(time.Second))
	}
	return resp
}

// offlineResponse is the synthetic answer for non-navigational requests when nothing else is available
func offlineResponse(req *http.Request) *http.Response {
	return respond(&store.Entry{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte("Offline"),
	}, req, StatusOffline)
}
