package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/strategy-cache-proxy/internal/classify"
	"github.com/iTrooz/strategy-cache-proxy/internal/config"
	"github.com/iTrooz/strategy-cache-proxy/internal/generation"
	"github.com/iTrooz/strategy-cache-proxy/internal/store"
	"github.com/iTrooz/strategy-cache-proxy/internal/strategy"
)

const shutdownTimeout = 5 * time.Second

// Server represents the caching proxy server
type Server struct {
	config     *config.Config
	proxy      *goproxy.ProxyHttpServer
	store      store.Store
	classifier *classify.Table
	generation *generation.Manager
	engine     *strategy.Engine
	routes     map[classify.Category]route
}

// New creates a new proxy server
func New(cfg *config.Config) (*Server, error) {
	timeout, err := cfg.GetNetworkTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid network timeout: %w", err)
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Logger = logrus.StandardLogger()
	proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	proxy.CertStore = newCertStore()

	// Strategies fetch through the proxy's own transport, never through the proxy itself.
	// Redirects are handed back to the client untouched.
	client := &http.Client{
		Transport: proxy.Tr,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	fetcher := strategy.FetcherFunc(func(req *http.Request) (*http.Response, error) {
		removeProxyHeaders(req)
		return client.Do(req)
	})

	gen, err := generation.New(generation.Config{
		Store:     st,
		Fetcher:   fetcher,
		Timeout:   timeout,
		Namespace: cfg.Cache.Namespace,
		Version:   cfg.Cache.Version,
		Origin:    cfg.Origin,
		Precache:  cfg.Cache.Precache,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create generation manager: %w", err)
	}

	names := gen.Names()
	var offlineKey string
	if cfg.Cache.OfflinePath != "" {
		offlineKey = gen.Key(cfg.Cache.OfflinePath)
	}

	engine, err := strategy.New(strategy.Config{
		Store:          st,
		Fetcher:        fetcher,
		Timeout:        timeout,
		DynamicCache:   names.Dynamic,
		DynamicLimit:   cfg.Limits.Dynamic,
		FallbackCaches: names.All(),
		OfflineKey:     offlineKey,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create strategy engine: %w", err)
	}

	s := &Server{
		config:     cfg,
		proxy:      proxy,
		store:      st,
		classifier: classify.NewTable(cfg.Routes),
		generation: gen,
		engine:     engine,
	}
	s.routes = s.routeTable()

	if cfg.Server.HTTPS.Intercept {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	proxy.OnRequest().DoFunc(s.intercept)

	return s, nil
}

// GetProxy returns the goproxy server instance
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Generation returns the lifecycle manager of the current cache generation
func (s *Server) Generation() *generation.Manager {
	return s.generation
}

// Store returns the cache store backing the server
func (s *Server) Store() store.Store {
	return s.store
}

// Init installs and activates the current cache generation.
// Until it returns, every request passes through untouched.
func (s *Server) Init(ctx context.Context) error {
	if s.generation.Active() {
		return nil
	}
	if err := s.generation.Run(ctx); err != nil {
		return fmt.Errorf("failed to activate cache generation: %w", err)
	}
	return nil
}

// Wait blocks until background cache refreshes have settled
func (s *Server) Wait() {
	s.engine.Wait()
}

// Start runs the proxy until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	// stops the transparent listener whichever way Start returns
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.proxy,
		ReadHeaderTimeout: 30 * time.Second,
	}

	logrus.Infof("Starting caching proxy on port %d", s.config.Server.Port)
	logrus.Infof("Origin: %s", s.config.Origin)
	logrus.Infof("Storage: %s", s.config.Storage.Driver)
	logrus.Infof("Network timeout: %s", s.config.Network.Timeout)

	errCh := make(chan error, 2)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	if s.config.Server.HTTPS.TransparentAddr != "" {
		go func() {
			errCh <- s.StartTransparentHTTPS(ctx, s.config.Server.HTTPS.TransparentAddr)
		}()
	}

	if err := s.Init(ctx); err != nil {
		_ = httpServer.Close()
		return err
	}

	var runErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
		logrus.Infof("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("Failed to shut down cleanly: %v", err)
	}
	s.engine.Wait()

	return runErr
}

// Close releases the cache store. Background refreshes are awaited first.
func (s *Server) Close() error {
	s.engine.Wait()
	return s.store.Close()
}
