package graph

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type FactoryOptions struct {
	Logger *zap.Logger
}

type StoreFactory func(dsn string, opts FactoryOptions) (Store, error)

// Registry maps DSN schemes to store factories. Each engine owns its own
// registry; there is no package-level registration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}

// NewRegistry returns a registry preloaded with the memory, badger and
// postgres schemes.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]StoreFactory{}}
	memory := func(string, FactoryOptions) (Store, error) { return NewMemoryStore(), nil }
	for _, scheme := range []string{"memory", "mem", "inmem"} {
		r.Register(scheme, memory)
	}
	r.Register("badger", openBadgerFromDSN)
	postgres := func(dsn string, _ FactoryOptions) (Store, error) { return NewPostgresStore(dsn) }
	r.Register("postgres", postgres)
	r.Register("postgresql", postgres)
	return r
}

func (r *Registry) Register(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if r == nil || scheme == "" || factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
}

func (r *Registry) lookup(scheme string) (StoreFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[normalizeScheme(scheme)]
	return factory, ok
}

// Build opens the store named by dsn. An empty DSN yields a memory store.
func (r *Registry) Build(dsn string, opts FactoryOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := r.lookup(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "neo4j", "janusgraph", "bolt":
		return nil, fmt.Errorf("%w: graph store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported graph store scheme: %q", scheme)
	}
}

// openBadgerFromDSN accepts badger:///data/dir and badger://memory.
// Query parameter sync_writes=true enables synchronous writes.
func openBadgerFromDSN(dsn string, opts FactoryOptions) (Store, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	cfg := BadgerConfig{Logger: opts.Logger}
	if raw := parsed.Query().Get("sync_writes"); raw != "" {
		cfg.SyncWrites, err = strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: sync_writes=%q", ErrInvalidInput, raw)
		}
	}
	if strings.EqualFold(parsed.Host, "memory") {
		cfg.InMemory = true
		return OpenBadgerStore(cfg)
	}
	path, err := DSNPath(parsed, dsn)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return OpenBadgerStore(cfg)
}

// DSNPath extracts a filesystem path from a file-like DSN.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
