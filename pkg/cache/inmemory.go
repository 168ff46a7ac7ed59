package cache

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStorage is a thread-safe, in-memory Storage. Nothing survives a
// restart; it is intended for development and tests.
type InMemoryStorage struct {
	mu     sync.RWMutex
	caches map[string]*InMemoryCache
}

// NewInMemoryStorage creates an empty in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		caches: make(map[string]*InMemoryCache),
	}
}

// Open returns the named generation, creating it if needed.
func (s *InMemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		c = NewInMemoryCache(name)
		s.caches[name] = c
	}
	return c, nil
}

// Has reports whether the named generation exists.
func (s *InMemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

// Delete removes a generation.
func (s *InMemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok, nil
}

// Keys lists the generation names in sorted order.
func (s *InMemoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for the in-memory storage.
func (s *InMemoryStorage) Close() error {
	return nil
}

// InMemoryCache is a generic, thread-safe, in-memory cache generation.
type InMemoryCache struct {
	name string
	mu   sync.RWMutex
	data map[string]Entry
}

// NewInMemoryCache creates a new, empty in-memory cache generation.
func NewInMemoryCache(name string) *InMemoryCache {
	return &InMemoryCache{
		name: name,
		data: make(map[string]Entry),
	}
}

// Name returns the generation name.
func (c *InMemoryCache) Name() string { return c.name }

// Match retrieves an entry from the cache.
func (c *InMemoryCache) Match(_ context.Context, key string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put adds an entry to the cache.
func (c *InMemoryCache) Put(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry
	return nil
}

// PutBatch adds every entry under a single lock.
func (c *InMemoryCache) PutBatch(_ context.Context, entries []KeyedEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.data[e.Key] = e.Entry
	}
	return nil
}

// Delete removes an entry from the cache.
func (c *InMemoryCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	delete(c.data, key)
	return ok, nil
}

// Keys lists the stored keys in sorted order.
func (c *InMemoryCache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for key := range c.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
