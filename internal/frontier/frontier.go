// Package frontier tracks the link-following depth of URLs visited during a
// single crawl run.
//
// The cache is a fixed-capacity, strict-LRU map from URL to depth. It is not
// safe for concurrent use: a crawl run owns exactly one Cache and is its only
// writer.
package frontier

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity is the number of URLs retained per crawl run.
const DefaultCapacity = 20

// Cache maps URLs to their tracked depth, evicting the least recently used
// entry once capacity is reached.
type Cache struct {
	lru     *simplelru.LRU[string, int]
	onEvict func(url string, depth int)
}

// Option customizes a Cache.
type Option func(*Cache)

// WithEvictionCallback registers fn to be called whenever an entry is evicted
// to make room for a new one.
func WithEvictionCallback(fn func(url string, depth int)) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// New returns an empty Cache holding at most capacity entries.
func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("frontier capacity must be > 0, got %d", capacity)
	}
	c := &Cache{}
	for _, opt := range opts {
		opt(c)
	}
	lru, err := simplelru.NewLRU[string, int](capacity, func(url string, depth int) {
		if c.onEvict != nil {
			c.onEvict(url, depth)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("build frontier lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// Get returns the tracked depth for url and marks it most recently used.
func (c *Cache) Get(url string) (int, bool) {
	return c.lru.Get(url)
}

// Put inserts or replaces url at depth and marks it most recently used. When
// the cache is full the least recently used entry is evicted first.
func (c *Cache) Put(url string, depth int) {
	c.lru.Add(url, depth)
}

// Update sets the depth of an existing entry and marks it most recently used.
// It reports false and leaves the cache untouched when url is not tracked.
func (c *Cache) Update(url string, depth int) bool {
	if !c.lru.Contains(url) {
		return false
	}
	c.lru.Add(url, depth)
	return true
}

// Len returns the number of tracked URLs.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Contains reports whether url is tracked without touching its recency.
func (c *Cache) Contains(url string) bool {
	return c.lru.Contains(url)
}
