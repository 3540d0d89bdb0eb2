// Package cache wraps an expiring in-memory store for hot reads. Every
// mutation of an entity is expected to evict its key, so entries only ever
// lag the store by their TTL when an external writer sneaks past.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jpicklyk/task-orchestrator/internal/log"
)

const (
	// DefaultExpiration governs entries stored without an explicit TTL.
	DefaultExpiration = 30 * time.Second
	// DefaultCleanupInterval is how often expired entries are purged.
	DefaultCleanupInterval = 5 * time.Minute
)

// Manager is a typed view over one expiring cache.
type Manager[V any] struct {
	useCase string
	cache   *gocache.Cache
}

// NewManager builds a cache for one use case. Non-positive durations fall
// back to the package defaults.
func NewManager[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *Manager[V] {
	if defaultExpiration <= 0 {
		defaultExpiration = DefaultExpiration
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Manager[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get retrieves a value by key.
func (m *Manager[V]) Get(key string) (V, bool) {
	var zero V
	value, found := m.cache.Get(key)
	if !found {
		return zero, false
	}
	v, ok := value.(V)
	if !ok {
		log.WithComponent("cache").Error().
			Str("useCase", m.useCase).Str("key", key).
			Msg("Wrong type in cache")
		return zero, false
	}
	return v, true
}

// Set stores a value under key. A zero ttl uses the default expiration; a
// negative ttl never expires.
func (m *Manager[V]) Set(key string, value V, ttl time.Duration) {
	m.cache.Set(key, value, ttl)
}

// Delete evicts keys; unknown keys are ignored.
func (m *Manager[V]) Delete(keys ...string) {
	for _, key := range keys {
		m.cache.Delete(key)
	}
}

// Flush evicts everything.
func (m *Manager[V]) Flush() {
	m.cache.Flush()
}

// Len reports the number of entries, expired ones included until the next
// cleanup pass.
func (m *Manager[V]) Len() int {
	return m.cache.ItemCount()
}

// GetOrLoad returns the cached value, or loads, stores, and returns it.
// Load errors are returned without caching.
func (m *Manager[V]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (V, error)) (V, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	m.Set(key, v, ttl)
	return v, nil
}
