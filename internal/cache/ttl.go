// Package cache holds the stale-while-revalidate cache shared by the registry
// and session layers.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// TTL is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type TTL[K comparable, V any] struct {
	store sync.Map // map[K]*entry[V]
	ttl   time.Duration
}

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	refreshing atomic.Bool
}

// Lookup holds the result of a cache lookup.
type Lookup[V any] struct {
	Value        V
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if expired, caller should refresh in background
}

// New creates a cache with the given TTL.
func New[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *TTL[K, V]) Get(key K) Lookup[V] {
	val, ok := c.store.Load(key)
	if !ok {
		return Lookup[V]{}
	}

	e := val.(*entry[V])
	if time.Now().Before(e.expiresAt) {
		return Lookup[V]{Value: e.value, Hit: true}
	}

	// Stale hit, only one goroutine wins the CAS
	return Lookup[V]{
		Value:        e.value,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a value with a fresh TTL. A zero value is a valid entry.
func (c *TTL[K, V]) Set(key K, value V) {
	c.store.Store(key, &entry[V]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *TTL[K, V]) Delete(key K) {
	c.store.Delete(key)
}

// Clear drops every entry.
func (c *TTL[K, V]) Clear() {
	c.store.Clear()
}
