package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type lruItem[K comparable, V any] struct {
	key   K
	value V
}

// InMemoryLRUCache is a size-bounded, read-through cache with least recently
// used eviction. Misses are loaded from the fallback Fetcher. It fronts the
// content endpoint so hot pages are not decoded from storage on every request.
type InMemoryLRUCache[K comparable, V any] struct {
	maxSize  int
	fallback Fetcher[K, V]

	mu    sync.Mutex
	ll    *list.List
	items map[K]*list.Element
	// gen is bumped by Purge so loads that raced a purge are not stored.
	gen uint64
}

// NewInMemoryLRUCache creates a new LRU cache holding at most maxSize items.
func NewInMemoryLRUCache[K comparable, V any](maxSize int, fallback Fetcher[K, V]) (*InMemoryLRUCache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &InMemoryLRUCache[K, V]{
		maxSize:  maxSize,
		fallback: fallback,
		ll:       list.New(),
		items:    make(map[K]*list.Element),
	}, nil
}

// Fetch returns the cached value for key, loading it from the fallback on a miss.
func (c *InMemoryLRUCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		c.mu.Unlock()
		return elem.Value.(*lruItem[K, V]).value, nil
	}
	gen := c.gen
	c.mu.Unlock()

	var zero V
	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v' not found in LRU cache and no fallback is configured", key)
	}

	value, err := c.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return value, nil
	}
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*lruItem[K, V]).value, nil
	}
	c.items[key] = c.ll.PushFront(&lruItem[K, V]{key: key, value: value})
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
	return value, nil
}

// Invalidate drops a single key.
func (c *InMemoryLRUCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
	return nil
}

// Purge drops every cached item.
func (c *InMemoryLRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element)
	c.gen++
}

// Len returns the number of cached items.
func (c *InMemoryLRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evict must be called with mu held.
func (c *InMemoryLRUCache[K, V]) evict() {
	if back := c.ll.Back(); back != nil {
		item := c.ll.Remove(back).(*lruItem[K, V])
		delete(c.items, item.key)
	}
}

// Close closes the fallback fetcher, if any.
func (c *InMemoryLRUCache[K, V]) Close() error {
	if c.fallback != nil {
		return c.fallback.Close()
	}
	return nil
}
