package coordinator

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type KVBackendFactory func(dsn string) (KVBackend, error)

var kvFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]KVBackendFactory
}{
	factories: map[string]KVBackendFactory{},
}

// RegisterKVBackendFactory lets deployments plug additional durable backends
// in by DSN scheme without touching the factory switch below.
func RegisterKVBackendFactory(scheme string, factory KVBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	kvFactoryRegistry.mu.Lock()
	defer kvFactoryRegistry.mu.Unlock()
	kvFactoryRegistry.factories[scheme] = factory
}

func lookupKVBackendFactory(scheme string) (KVBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	kvFactoryRegistry.mu.RLock()
	defer kvFactoryRegistry.mu.RUnlock()
	factory, ok := kvFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildKVBackendFromDSN selects a credential store backend by DSN scheme. An
// empty DSN yields the in-memory backend for single-instance deployments.
func BuildKVBackendFromDSN(dsn string) (KVBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryKVBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupKVBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryKVBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresKVBackend(dsn)
	case "redis", "rediss":
		return nil, fmt.Errorf("%w: credential store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported credential store scheme: %s", scheme)
	}
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
