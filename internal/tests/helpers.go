package tests

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iTrooz/strategy-cache-proxy/internal/config"
	"github.com/iTrooz/strategy-cache-proxy/internal/proxy"
)

const (
	acceptHTML = "text/html,application/xhtml+xml,*/*;q=0.8"
	acceptAny  = "*/*"
)

// upstream is a test origin whose content and availability can be changed
type upstream struct {
	*httptest.Server
	hits    atomic.Int32
	offline atomic.Bool
	// revision is embedded in every body so refreshed content can be told apart
	revision atomic.Int32
}

// fixture_upstream creates a test upstream server
func fixture_upstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.revision.Store(1)
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		if u.offline.Load() {
			// drop the connection to simulate a network failure
			hj, ok := w.(http.Hijacker)
			if !ok {
				panic("upstream cannot hijack")
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		u.hits.Add(1)

		switch requ.URL.Path {
		case "/offline":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<h1>You are offline</h1>"))
		case "/missing.css":
			http.NotFound(w, requ)
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = fmt.Fprintf(w, "rev%d %s", u.revision.Load(), requ.URL.Path)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

// fixture_config creates a test config pointing at the origin
func fixture_config(origin string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Origin = origin
	cfg.Network.Timeout = "2s"
	return &cfg
}

// fixture_proxy creates an initialized proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(t *testing.T, cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client) {
	t.Helper()
	proxyServer, err := proxy.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = proxyServer.Close() })

	require.NoError(t, proxyServer.Init(context.Background()))

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())
	t.Cleanup(proxyTestServer.Close)

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client
}

// get issues a GET through client and returns the response with its body read
func get(t *testing.T, client *http.Client, target, accept string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}
