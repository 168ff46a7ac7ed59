package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// AddAllConcurrency bounds the number of concurrent fetches made by AddAll.
const AddAllConcurrency = 8

// AddAll fetches every key from the fetcher and stores the results in c.
// All fetches complete before anything is written: if any fetch fails the
// cache is left untouched and the first error is returned.
func AddAll(ctx context.Context, c Cache, fetcher Fetcher[string, Entry], keys []string) error {
	entries := make([]Entry, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(AddAllConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			entry, err := fetcher.Fetch(gctx, key)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", key, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	batch := make([]KeyedEntry, len(keys))
	for i, key := range keys {
		batch[i] = KeyedEntry{Key: key, Entry: entries[i]}
	}
	if err := PutBatch(ctx, c, batch); err != nil {
		return fmt.Errorf("failed to store entries in %s: %w", c.Name(), err)
	}
	return nil
}
