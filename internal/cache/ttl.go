// Package cache provides small, explicitly constructed in-memory caches.
//
// Entries are grouped (e.g. by owner) so that a mutation can invalidate every
// cached view belonging to that group at once. Nothing here is a process-wide
// singleton: callers build a cache and inject it where needed.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a grouped cache whose entries expire after a fixed duration.
// The zero value is not usable; construct with NewTTL.
type TTL[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.RWMutex
	groups map[string]map[string]entry[V]
}

// NewTTL returns a cache whose entries live for ttl. A non-positive ttl
// disables caching: Get always misses.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		ttl:    ttl,
		now:    time.Now,
		groups: make(map[string]map[string]entry[V]),
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *TTL[V]) WithClock(now func() time.Time) *TTL[V] {
	c.now = now
	return c
}

// Get returns the live value stored under (group, key).
func (c *TTL[V]) Get(group, key string) (V, bool) {
	var zero V
	if c == nil || c.ttl <= 0 {
		return zero, false
	}
	c.mu.RLock()
	e, ok := c.groups[group][key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return zero, false
	}
	return e.value, true
}

// Set stores value under (group, key).
func (c *TTL[V]) Set(group, key string, value V) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[group]
	if g == nil {
		g = make(map[string]entry[V])
		c.groups[group] = g
	}
	g[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
}

// Invalidate drops every entry of group.
func (c *TTL[V]) Invalidate(group string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()
}

// Clear drops everything.
func (c *TTL[V]) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.groups = make(map[string]map[string]entry[V])
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *TTL[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, g := range c.groups {
		n += len(g)
	}
	return n
}
