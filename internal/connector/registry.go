package connector

import (
	"fmt"
	"sync"

	"github.com/rs/dnscache"

	"github.com/ccgw/ccgw/internal/model"
)

// Registry caches one Connector per provider id, rebuilding it only when the
// provider's connection-relevant fields change. Grounded on
// internal/provider.Registry's map-plus-mutex shape, generalized with a
// fingerprint check since providers here are re-registered on every config
// reload rather than once at startup.
type Registry struct {
	mu       sync.RWMutex
	resolver *dnscache.Resolver
	entries  map[string]registryEntry
}

type registryEntry struct {
	fingerprint string
	conn        Connector
}

// NewRegistry returns an empty Registry whose connectors share resolver.
func NewRegistry(resolver *dnscache.Resolver) *Registry {
	return &Registry{resolver: resolver, entries: make(map[string]registryEntry)}
}

// Get returns the cached Connector for p, rebuilding it if p's
// connection-relevant fields (base URL, key, auth mode, headers) have
// changed since it was last built.
func (r *Registry) Get(p model.Provider) Connector {
	fp := fingerprint(p)

	r.mu.RLock()
	e, ok := r.entries[p.ID]
	r.mu.RUnlock()
	if ok && e.fingerprint == fp {
		return e.conn
	}

	conn := New(p, r.resolver)
	r.mu.Lock()
	r.entries[p.ID] = registryEntry{fingerprint: fp, conn: conn}
	r.mu.Unlock()
	return conn
}

func fingerprint(p model.Provider) string {
	return fmt.Sprintf("%s|%s|%s|%s|%v", p.Type, p.BaseURL, p.APIKey, p.AuthMode, p.ExtraHeaders)
}
