// Package cache provides the named, durable cache generations the worker
// stores application assets and content in.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when a cache entry does not exist.
var ErrNotFound = errors.New("cache: entry not found")

// Entry is a stored response body, keyed by request path.
type Entry struct {
	Body        []byte    `json:"body"`
	ContentType string    `json:"contentType,omitempty"`
	StoredAt    time.Time `json:"storedAt"`
}

// Cache is a single named cache generation.
type Cache interface {
	// Name returns the generation name the cache was opened with.
	Name() string
	// Match returns the entry stored under key or ErrNotFound.
	Match(ctx context.Context, key string) (Entry, error)
	// Put stores an entry, replacing any existing one.
	Put(ctx context.Context, key string, entry Entry) error
	// Delete removes an entry and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys lists every stored key.
	Keys(ctx context.Context) ([]string, error)
}

// KeyedEntry pairs an entry with the key it is stored under.
type KeyedEntry struct {
	Key   string
	Entry Entry
}

// BatchPutter is implemented by caches that can store several entries in a
// single write.
type BatchPutter interface {
	PutBatch(ctx context.Context, entries []KeyedEntry) error
}

// PutBatch stores entries in c, in one write when c is a BatchPutter and
// one Put per entry otherwise.
func PutBatch(ctx context.Context, c Cache, entries []KeyedEntry) error {
	if bp, ok := c.(BatchPutter); ok {
		return bp.PutBatch(ctx, entries)
	}
	for _, e := range entries {
		if err := c.Put(ctx, e.Key, e.Entry); err != nil {
			return fmt.Errorf("failed to store %s: %w", e.Key, err)
		}
	}
	return nil
}

// Storage is the set of cache generations known to the worker.
type Storage interface {
	// Open returns the named generation, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether the named generation exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes a generation and all of its entries. It reports whether
	// the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists the names of every existing generation.
	Keys(ctx context.Context) ([]string, error)
	io.Closer
}

// Fetcher retrieves a value by key from a source of truth.
type Fetcher[K any, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	io.Closer
}
