package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"cloudfs/internal/cloud"
)

// RecordCache caches remote record metadata keyed by (container, path) with
// TTL expiry and LRU eviction. Supports fine-grained invalidation by path.
//
// Thread-safe: the underlying expirable LRU is internally locked.
type RecordCache struct {
	lru     *expirable.LRU[string, cloud.Record]
	ttl     time.Duration
	maxSize int
}

var _ Invalidator = (*RecordCache)(nil)

// NewRecordCache creates a record cache.
// ttl: time-to-live for entries (0 disables expiry)
// maxSize: maximum number of entries (0 means unlimited)
func NewRecordCache(ttl time.Duration, maxSize int) *RecordCache {
	return &RecordCache{
		lru:     expirable.NewLRU[string, cloud.Record](maxSize, nil, ttl),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func recordKey(container, path string) string {
	return container + "\x00" + path
}

// Get returns the cached record, if present and not expired.
func (c *RecordCache) Get(container, path string) (cloud.Record, bool) {
	if Disabled {
		return cloud.Record{}, false
	}
	return c.lru.Get(recordKey(container, path))
}

// Set stores rec under (container, path). No-op if caching is disabled.
func (c *RecordCache) Set(container, path string, rec cloud.Record) {
	if Disabled {
		return
	}
	c.lru.Add(recordKey(container, path), rec)
}

// SetListing stores every record of a directory listing.
func (c *RecordCache) SetListing(container string, recs []cloud.Record) {
	for _, rec := range recs {
		c.Set(container, rec.Path, rec)
	}
}

// Invalidate clears all entries from the cache.
func (c *RecordCache) Invalidate() {
	c.lru.Purge()
}

// InvalidatePath removes a specific path from the cache.
func (c *RecordCache) InvalidatePath(container, path string) {
	c.lru.Remove(recordKey(container, path))
}

// InvalidatePrefix removes path and everything below it.
func (c *RecordCache) InvalidatePrefix(container, path string) {
	exact := recordKey(container, path)
	below := exact + "/"
	if path == "" {
		below = recordKey(container, "")
	}
	for _, k := range c.lru.Keys() {
		if k == exact || strings.HasPrefix(k, below) {
			c.lru.Remove(k)
		}
	}
}

// Size returns the current number of entries in the cache.
func (c *RecordCache) Size() int {
	return c.lru.Len()
}

// RecordCacheStats reports cache configuration and occupancy.
type RecordCacheStats struct {
	Size    int
	MaxSize int
	TTL     time.Duration
}

// Stats returns current cache statistics.
func (c *RecordCache) Stats() RecordCacheStats {
	return RecordCacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
	}
}
