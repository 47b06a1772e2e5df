package cache

import (
	"sync"
	"time"

	"github.com/cdffs/cdffs/pkg/types"
)

// DefaultListingTTL bounds the staleness of cached directory listings.
const DefaultListingTTL = 60 * time.Second

// ListingCache is a TTL-bounded cache of backend list results keyed by
// prefix. It stores raw backend snapshots only; merging with the write log
// is the caller's responsibility so the two-source union stays explicit.
// Failed lists are never cached.
type ListingCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*listEntry
	now     func() time.Time
	stats   types.CacheStats
}

type listEntry struct {
	files     []types.FileMetadata
	expiresAt time.Time
}

// NewListingCache creates a listing cache with the given TTL. A TTL of zero
// or less falls back to the default. A nil clock defaults to time.Now.
func NewListingCache(ttl time.Duration, now func() time.Time) *ListingCache {
	if ttl <= 0 {
		ttl = DefaultListingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ListingCache{
		ttl:     ttl,
		entries: make(map[string]*listEntry),
		now:     now,
	}
}

// Get returns the cached backend snapshot for a prefix if it has not
// expired. Expired entries are dropped on access.
func (c *ListingCache) Get(prefix string) ([]types.FileMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[prefix]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, prefix)
		c.stats.Misses++
		c.stats.Evictions++
		return nil, false
	}

	c.stats.Hits++
	out := make([]types.FileMetadata, len(entry.files))
	copy(out, entry.files)
	return out, true
}

// Put stores a backend snapshot for a prefix with expiry now+ttl.
func (c *ListingCache) Put(prefix string, files []types.FileMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]types.FileMetadata, len(files))
	copy(stored, files)
	c.entries[prefix] = &listEntry{
		files:     stored,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Invalidate drops the cached snapshot for a prefix. Used when a limited
// listing is requested: caching truncated results would serve an incorrect
// file list to later unlimited calls.
func (c *ListingCache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[prefix]; ok {
		delete(c.entries, prefix)
		c.stats.Evictions++
	}
}

// Stats returns a snapshot of cache statistics.
func (c *ListingCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.entries)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
