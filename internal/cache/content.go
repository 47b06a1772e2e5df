package cache

import (
	"context"
	"sync"
	"time"
)

// ContentCache caches whole-object byte content. The backend has no range
// reads, so the first read of a handle fetches the entire object and random
// access is served by slicing the buffer. Concurrent requests for the same
// external ID wait for the in-flight fetch instead of downloading twice.
//
// A fresh ContentCache is created per open read handle by default; the
// filesystem shares one across handles only when configured to.
type ContentCache struct {
	mu      sync.Mutex
	entries map[string]*contentEntry
}

type contentEntry struct {
	data      []byte
	err       error
	fetchedAt time.Time
	done      chan struct{}
}

// NewContentCache creates an empty content cache.
func NewContentCache() *ContentCache {
	return &ContentCache{entries: make(map[string]*contentEntry)}
}

// Fetch returns the cached bytes for an external ID, downloading them with
// fetch on first access. A failed fetch is reported to all waiters and is
// not cached, so the next access tries the backend again.
func (c *ContentCache) Fetch(ctx context.Context, externalID string, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if entry, ok := c.entries[externalID]; ok {
		c.mu.Unlock()
		select {
		case <-entry.done:
			return entry.data, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	entry := &contentEntry{done: make(chan struct{})}
	c.entries[externalID] = entry
	c.mu.Unlock()

	data, err := fetch(ctx)

	entry.data = data
	entry.err = err
	entry.fetchedAt = time.Now()

	if err != nil {
		// Fail open: drop the entry before releasing waiters so later
		// fetches fall through to the backend.
		c.mu.Lock()
		delete(c.entries, externalID)
		c.mu.Unlock()
	}
	close(entry.done)

	return data, err
}

// Drop removes the cached content for an external ID. Called when the
// owning handle closes.
func (c *ContentCache) Drop(externalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, externalID)
}

// Len returns the number of cached objects, including in-flight fetches.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
