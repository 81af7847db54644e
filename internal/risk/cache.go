package risk

import (
	"context"
	"sync"
	"time"

	"github.com/openidx/antifraud/internal/metrics"
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	seq       uint64
}

// TTLCache is a fixed-capacity map with per-entry expiry. It is safe for
// concurrent use. When full, expired entries are evicted first, then the
// oldest insertion.
type TTLCache[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]cacheEntry[V]
	capacity int
	ttl      time.Duration
	now      Clock
	seq      uint64
}

// NewTTLCache creates a cache; capacity below 1 is treated as 1
func NewTTLCache[K comparable, V any](capacity int, ttl time.Duration, now Clock) *TTLCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &TTLCache[K, V]{
		entries:  make(map[K]cacheEntry[V], capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      now,
	}
}

// Get returns the live value for key
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value for the cache TTL
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	c.seq++
	c.entries[key] = cacheEntry[V]{value: value, expiresAt: c.now().Add(c.ttl), seq: c.seq}
}

// Delete removes key
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, including expired ones not yet evicted
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TTLCache[K, V]) evictLocked() {
	now := c.now()
	var (
		oldestKey K
		oldestSeq uint64
		found     bool
	)
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if !found || e.seq < oldestSeq {
			oldestKey, oldestSeq, found = k, e.seq, true
		}
	}
	if len(c.entries) >= c.capacity && found {
		delete(c.entries, oldestKey)
	}
}

// CachedGeofenceProvider memoizes fence lists per owner
type CachedGeofenceProvider struct {
	inner GeofenceProvider
	cache *TTLCache[string, []Geofence]
}

// NewCachedGeofenceProvider wraps inner with a TTL cache
func NewCachedGeofenceProvider(inner GeofenceProvider, capacity int, ttl time.Duration, now Clock) *CachedGeofenceProvider {
	return &CachedGeofenceProvider{
		inner: inner,
		cache: NewTTLCache[string, []Geofence](capacity, ttl, now),
	}
}

// ListGeofences serves from cache, loading on miss
func (p *CachedGeofenceProvider) ListGeofences(ctx context.Context, ownerID string) ([]Geofence, error) {
	if fences, ok := p.cache.Get(ownerID); ok {
		metrics.RecordCacheOperation("geofence", "hit")
		return fences, nil
	}
	metrics.RecordCacheOperation("geofence", "miss")

	fences, err := p.inner.ListGeofences(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	p.cache.Set(ownerID, fences)
	return fences, nil
}

// Invalidate drops the cached list for ownerID
func (p *CachedGeofenceProvider) Invalidate(ownerID string) {
	p.cache.Delete(ownerID)
}
