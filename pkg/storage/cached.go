package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrWatchUnsupported is returned when the wrapped backend cannot report changes
var ErrWatchUnsupported = errors.New("storage: backend does not support watching")

type cacheEntry struct {
	value   string
	missing bool
}

// Cached is a read-through LRU cache in front of another backend. Entries
// expire after ttl so writes made elsewhere are eventually observed.
type Cached struct {
	inner Backend
	cache *expirable.LRU[string, cacheEntry]

	// gen counts writes and invalidations; a read only fills the cache when
	// none happened while it was fetching
	mu  sync.Mutex
	gen uint64
}

// NewCached wraps inner with a cache of up to size entries
func NewCached(inner Backend, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1024
	}
	return &Cached{
		inner: inner,
		cache: expirable.NewLRU[string, cacheEntry](size, nil, ttl),
	}
}

// Get implements Backend.Get
func (c *Cached) Get(ctx context.Context, key string) (string, error) {
	if e, ok := c.cache.Get(key); ok {
		if e.missing {
			return "", ErrNotFound
		}
		return e.value, nil
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	v, err := c.inner.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		c.fill(gen, key, cacheEntry{missing: true})
		return "", ErrNotFound
	case err != nil:
		return "", err
	}
	c.fill(gen, key, cacheEntry{value: v})
	return v, nil
}

func (c *Cached) fill(gen uint64, key string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.cache.Add(key, e)
	}
}

// store records the outcome of a write. A nil entry drops the key.
func (c *Cached) store(key string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if e == nil {
		c.cache.Remove(key)
		return
	}
	c.cache.Add(key, *e)
}

// Set implements Backend.Set
func (c *Cached) Set(ctx context.Context, key, value string) error {
	if err := c.inner.Set(ctx, key, value); err != nil {
		c.store(key, nil)
		return err
	}
	c.store(key, &cacheEntry{value: value})
	return nil
}

// Delete implements Backend.Delete
func (c *Cached) Delete(ctx context.Context, key string) error {
	if err := c.inner.Delete(ctx, key); err != nil {
		c.store(key, nil)
		return err
	}
	c.store(key, &cacheEntry{missing: true})
	return nil
}

// Watch implements Watcher when the wrapped backend does
func (c *Cached) Watch(ctx context.Context, fn func(Event)) error {
	w, ok := c.inner.(Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	return w.Watch(ctx, func(ev Event) {
		if ev.Key == "" {
			c.mu.Lock()
			c.gen++
			c.cache.Purge()
			c.mu.Unlock()
		} else {
			c.store(ev.Key, nil)
		}
		fn(ev)
	})
}

// Ping implements Pinger when the wrapped backend does
func (c *Cached) Ping(ctx context.Context) error {
	if p, ok := c.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close implements Backend.Close
func (c *Cached) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
