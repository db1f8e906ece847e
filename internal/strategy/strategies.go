package strategy

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/strategy-cache-proxy/internal/classify"
	"github.com/iTrooz/strategy-cache-proxy/internal/store"
)

// CacheFirst answers from cacheName when possible and only goes to the network on a miss.
// A successful network response is stored (and the cache trimmed to maxEntries, if positive).
// Network failures on a miss are returned to the caller.
func (e *Engine) CacheFirst(ctx context.Context, req *http.Request, cacheName string, maxEntries int) (*http.Response, error) {
	key := store.Key(req)

	c, err := e.store.Open(ctx, cacheName)
	if err != nil {
		logrus.Warnf("Failed to open cache %s, fetching %s directly: %v", cacheName, key, err)
		entry, err := e.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return respond(entry, req, StatusMiss), nil
	}

	if cached := match(ctx, c, key); cached != nil {
		logrus.Debugf("Cache hit for %s in %s", key, cacheName)
		return respondCached(cached, req, StatusHit), nil
	}

	entry, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	e.save(ctx, c, key, entry, maxEntries)
	return respond(entry, req, StatusMiss), nil
}

// NetworkFirst answers from the network and keeps a copy in the dynamic cache.
// When the network fails it falls back to any cached copy, then to the offline
// page for HTML requests, then to a synthetic 503.
func (e *Engine) NetworkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := store.Key(req)

	entry, err := e.fetch(ctx, req)
	if err == nil {
		e.saveTo(ctx, e.dynamicCache, key, entry, e.dynamicLimit)
		return respond(entry, req, StatusMiss), nil
	}
	logrus.Debugf("Network failed for %s, falling back to cache: %v", key, err)

	cached, lookupErr := store.MatchAny(ctx, e.store, key, e.fallbackCaches...)
	if lookupErr != nil {
		logrus.Warnf("Cache fallback for %s was incomplete: %v", key, lookupErr)
	}
	if cached != nil {
		return respondCached(cached, req, StatusHit), nil
	}

	if classify.AcceptsHTML(req.Header.Get("Accept")) && e.offlineKey != "" {
		offline, _ := store.MatchAny(ctx, e.store, e.offlineKey, e.fallbackCaches...)
		if offline != nil {
			logrus.Debugf("Serving offline page for %s", key)
			return respondCached(offline, req, StatusOffline), nil
		}
	}

	return offlineResponse(req), nil
}

type fetchResult struct {
	entry *store.Entry
	err   error
}

// StaleWhileRevalidate answers from cacheName immediately when it holds a copy,
// while a detached fetch refreshes that copy. Without a copy it waits for the fetch.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, req *http.Request, cacheName string, maxEntries int) (*http.Response, error) {
	key := store.Key(req)

	c, err := e.store.Open(ctx, cacheName)
	if err != nil {
		logrus.Warnf("Failed to open cache %s, fetching %s directly: %v", cacheName, key, err)
		entry, err := e.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return respond(entry, req, StatusMiss), nil
	}

	cached := match(ctx, c, key)

	// the revalidation outlives the request that triggered it
	bgCtx := context.WithoutCancel(ctx)
	done := make(chan fetchResult, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		entry, err := e.fetch(bgCtx, req)
		if err != nil {
			logrus.Debugf("Revalidation of %s failed: %v", key, err)
		} else {
			e.save(bgCtx, c, key, entry, maxEntries)
		}
		done <- fetchResult{entry, err}
	}()

	if cached != nil {
		logrus.Debugf("Serving stale %s from %s while revalidating", key, cacheName)
		return respondCached(cached, req, StatusStale), nil
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return respond(res.entry, req, StatusMiss), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
