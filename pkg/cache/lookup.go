package cache

import (
	"context"
	"errors"
	"fmt"
)

// StorageFetcher looks a key up across several generations in order and
// returns the first match. Generations that do not exist are skipped rather
// than created.
type StorageFetcher struct {
	storage Storage
	names   []string
}

// NewStorageFetcher creates a fetcher over the named generations.
func NewStorageFetcher(storage Storage, names ...string) *StorageFetcher {
	return &StorageFetcher{storage: storage, names: names}
}

// Fetch returns the first entry stored under key, or ErrNotFound.
func (f *StorageFetcher) Fetch(ctx context.Context, key string) (Entry, error) {
	for _, name := range f.names {
		ok, err := f.storage.Has(ctx, name)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to check cache %s: %w", name, err)
		}
		if !ok {
			continue
		}
		c, err := f.storage.Open(ctx, name)
		if err != nil {
			return Entry{}, err
		}
		entry, err := c.Match(ctx, key)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Entry{}, err
		}
	}
	return Entry{}, ErrNotFound
}

// Close is a no-op; the storage is owned by the caller.
func (f *StorageFetcher) Close() error {
	return nil
}
