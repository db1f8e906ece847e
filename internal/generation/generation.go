// Package generation manages versioned cache generations: naming, install
// (precaching) and activation (removal of stale generations).
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/strategy-cache-proxy/internal/store"
)

// Purposes of the caches in a generation
const (
	PurposeStatic  = "static"
	PurposeDynamic = "dynamic"
	PurposeImages  = "images"
)

// ErrPhase is returned when a lifecycle step runs out of order
var ErrPhase = errors.New("invalid lifecycle phase")

// Names are the cache names of one generation
type Names struct {
	Static  string
	Dynamic string
	Images  string
}

// NewNames builds the names of a generation: <namespace>-<version>-<purpose>
func NewNames(namespace, version string) Names {
	prefix := namespace + "-" + version + "-"
	return Names{
		Static:  prefix + PurposeStatic,
		Dynamic: prefix + PurposeDynamic,
		Images:  prefix + PurposeImages,
	}
}

// All returns the names in lookup order
func (n Names) All() []string {
	return []string{n.Static, n.Dynamic, n.Images}
}

// Contains reports whether name is one of the generation's caches
func (n Names) Contains(name string) bool {
	return name == n.Static || name == n.Dynamic || name == n.Images
}

// IsStale reports whether name belongs to namespace but not to the current generation
func IsStale(namespace string, current Names, name string) bool {
	return strings.HasPrefix(name, namespace+"-") && !current.Contains(name)
}

// Phase is the lifecycle phase of a generation
type Phase int

const (
	Idle Phase = iota
	Installing
	Installed
	Activating
	Activated
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	default:
		return "unknown"
	}
}

// Fetcher performs network requests
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config of a Manager
type Config struct {
	Store     store.Store
	Fetcher   Fetcher
	Timeout   time.Duration
	Namespace string
	Version   string
	// Origin resolves the precache paths
	Origin   string
	Precache []string
}

// Manager drives the lifecycle of the current generation
type Manager struct {
	store     store.Store
	fetcher   Fetcher
	timeout   time.Duration
	namespace string
	version   string
	names     Names
	origin    *url.URL
	precache  []string

	mu    sync.RWMutex
	phase Phase
}

// New creates a manager for the generation described by cfg
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Namespace == "" || cfg.Version == "" {
		return nil, fmt.Errorf("namespace and version are required")
	}
	if len(cfg.Precache) > 0 {
		if cfg.Fetcher == nil {
			return nil, fmt.Errorf("fetcher is required to precache")
		}
		if cfg.Timeout <= 0 {
			return nil, fmt.Errorf("network timeout is required to precache")
		}
	}

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", cfg.Origin, err)
	}
	if len(cfg.Precache) > 0 && !origin.IsAbs() {
		return nil, fmt.Errorf("origin %q must be absolute to precache", cfg.Origin)
	}

	return &Manager{
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		timeout:   cfg.Timeout,
		namespace: cfg.Namespace,
		version:   cfg.Version,
		names:     NewNames(cfg.Namespace, cfg.Version),
		origin:    origin,
		precache:  cfg.Precache,
	}, nil
}

// Names returns the cache names of the current generation
func (m *Manager) Names() Names {
	return m.names
}

// Phase returns the current lifecycle phase
func (m *Manager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Active reports whether the generation has claimed its clients
func (m *Manager) Active() bool {
	return m.Phase() == Activated
}

// transition moves from one phase to the next, failing when the current phase is not from
func (m *Manager) transition(from, to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != from {
		return fmt.Errorf("%w: cannot move to %s from %s", ErrPhase, to, m.phase)
	}
	logrus.Debugf("Generation %s-%s: %s -> %s", m.namespace, m.version, m.phase, to)
	m.phase = to
	return nil
}

// URL resolves a precache path against the origin
func (m *Manager) URL(path string) string {
	return m.origin.ResolveReference(&url.URL{Path: path}).String()
}

// Key returns the store key a precached path is stored under
func (m *Manager) Key(path string) string {
	return store.KeyFor(http.MethodGet, m.URL(path))
}

// Install opens the static cache and populates it with the precache list.
// Precaching is all-or-nothing and its failure does not fail the install.
// On return the generation is Installed, ready to activate right away.
func (m *Manager) Install(ctx context.Context) error {
	if err := m.transition(Idle, Installing); err != nil {
		return err
	}

	c, err := m.store.Open(ctx, m.names.Static)
	if err != nil {
		m.reset()
		return fmt.Errorf("failed to open %s: %w", m.names.Static, err)
	}

	if err := m.addAll(ctx, c); err != nil {
		logrus.Warnf("Precaching into %s skipped: %v", m.names.Static, err)
	} else if len(m.precache) > 0 {
		logrus.Infof("Precached %d resources into %s", len(m.precache), m.names.Static)
	}

	return m.transition(Installing, Installed)
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.phase = Idle
	m.mu.Unlock()
}

// addAll fetches every precache path and stores them only if all succeeded
func (m *Manager) addAll(ctx context.Context, c store.Cache) error {
	if len(m.precache) == 0 {
		return nil
	}

	entries := make(map[string]*store.Entry, len(m.precache))
	for _, path := range m.precache {
		entry, err := m.fetch(ctx, m.URL(path))
		if err != nil {
			return err
		}
		if !entry.OK() {
			return fmt.Errorf("precache %s: unexpected status %d", path, entry.Status)
		}
		entries[m.Key(path)] = entry
	}

	for _, path := range m.precache {
		key := m.Key(path)
		if err := c.Put(ctx, key, entries[key]); err != nil {
			return fmt.Errorf("failed to store %s: %w", key, err)
		}
	}
	return nil
}

func (m *Manager) fetch(ctx context.Context, target string) (*store.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	return store.NewEntry(resp)
}

// Activate deletes every cache of the namespace that is not part of the
// current generation, then claims clients. It returns the deleted names.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	if err := m.transition(Installed, Activating); err != nil {
		return nil, err
	}

	names, err := m.store.Names(ctx)
	if err != nil {
		m.mu.Lock()
		m.phase = Installed
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}

	var deleted []string
	var errs []error
	for _, name := range names {
		if !IsStale(m.namespace, m.names, name) {
			continue
		}
		ok, err := m.store.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", name, err))
			continue
		}
		if ok {
			logrus.Infof("Deleted stale cache %s", name)
			deleted = append(deleted, name)
		}
	}
	if len(errs) > 0 {
		// stale leftovers are harmless to the current generation
		logrus.Warnf("Activation left stale caches behind: %v", errors.Join(errs...))
	}

	if err := m.transition(Activating, Activated); err != nil {
		return deleted, err
	}
	logrus.Infof("Generation %s-%s active", m.namespace, m.version)
	return deleted, nil
}

// Run installs then immediately activates the generation
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Install(ctx); err != nil {
		return err
	}
	_, err := m.Activate(ctx)
	return err
}
