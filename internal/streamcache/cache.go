// Package streamcache provides a bounded LRU of expensive-to-fetch values
// with at-most-one concurrent fetch per key.
package streamcache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// FetchFunc produces the value for a key. It runs at most once per key at a
// time; concurrent getters share the result.
type FetchFunc[V any] func(ctx context.Context, key string) (V, error)

// Cache is a bounded LRU with coalesced population. On fetch failure nothing
// is stored, so the next Get re-attempts. Invalidate forgets an entry even
// while a fetch for it is in flight; the in-flight result is then discarded
// instead of being stored.
type Cache[V any] struct {
	fetch FetchFunc[V]
	group singleflight.Group

	mu  sync.Mutex
	lru *lru.Cache[string, V]
	gen map[string]uint64
}

func New[V any](capacity int, fetch FetchFunc[V]) *Cache[V] {
	store, err := lru.New[string, V](capacity)
	if err != nil {
		panic(err)
	}
	return &Cache[V]{
		fetch: fetch,
		lru:   store,
		gen:   make(map[string]uint64),
	}
}

// Get returns the cached value for key, fetching it if absent. N concurrent
// calls on a cold key observe the result of exactly one fetch. The wait is
// abandoned (but the fetch left running for other waiters) when ctx ends.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, error) {
	c.mu.Lock()
	if v, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	generation := c.gen[key]
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		v, err := c.fetch(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen[key] == generation {
			c.lru.Add(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.group.Forget(key)
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Invalidate removes the entry for key. A fetch currently in flight keeps
// running for its waiters but its result is not stored.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.gen[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

// Len reports the number of resident entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
