// Package cache provides a bounded in-memory TTL cache for generated tests.
package cache

import (
	"crypto/sha256"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache stores generated test code keyed by a content hash. Entries expire
// after a TTL and the oldest ones are evicted once capacity is reached.
// Safe for concurrent use.
type Cache struct {
	entries *ttlcache.Cache[string, string]
	hits    atomic.Int64
	misses  atomic.Int64
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// New creates a cache holding at most capacity entries, each valid for ttl.
func New(capacity int, ttl time.Duration) *Cache {
	c := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithCapacity[string, string](uint64(capacity)),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go c.Start()
	return &Cache{entries: c}
}

// Key computes a SHA-256 hash of the model, class name, and source code.
func Key(model, className, javaCode string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(className))
	h.Write([]byte{0})
	h.Write([]byte(javaCode))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns the cached test code for key, if present and not expired.
func (c *Cache) Get(key string) (string, bool) {
	item := c.entries.Get(key)
	if item == nil {
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return item.Value(), true
}

// Set stores test code under key with the default TTL.
func (c *Cache) Set(key, tests string) {
	c.entries.Set(key, tests, ttlcache.DefaultTTL)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.entries.DeleteAll()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries: c.entries.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Close stops the background expiration loop.
func (c *Cache) Close() {
	c.entries.Stop()
}
