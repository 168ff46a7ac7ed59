package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFetcher is a test double for the cache.Fetcher interface.
type mockFetcher[K comparable, V any] struct {
	FetchFunc func(ctx context.Context, key K) (V, error)
	CloseFunc func() error
}

func (m *mockFetcher[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, key)
	}
	var zero V
	return zero, fmt.Errorf("mock fetcher not implemented")
}

func (m *mockFetcher[K, V]) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func TestAddAll(t *testing.T) {
	ctx := context.Background()

	t.Run("Stores every fetched entry", func(t *testing.T) {
		// Arrange
		var calls atomic.Int32
		fetcher := &mockFetcher[string, cache.Entry]{
			FetchFunc: func(ctx context.Context, key string) (cache.Entry, error) {
				calls.Add(1)
				return cache.Entry{Body: []byte("body of " + key)}, nil
			},
		}
		c := cache.NewInMemoryCache("assets-v1")
		keys := []string{"/index.html", "/static/js/main.js", "/static/css/main.css"}

		// Act
		err := cache.AddAll(ctx, c, fetcher, keys)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
		stored, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, keys, stored)

		entry, err := c.Match(ctx, "/static/js/main.js")
		require.NoError(t, err)
		assert.Equal(t, "body of /static/js/main.js", string(entry.Body))
	})

	t.Run("Any failure leaves the cache untouched", func(t *testing.T) {
		// Arrange
		fetchErr := errors.New("404")
		fetcher := &mockFetcher[string, cache.Entry]{
			FetchFunc: func(ctx context.Context, key string) (cache.Entry, error) {
				if key == "/broken.js" {
					return cache.Entry{}, fetchErr
				}
				return cache.Entry{Body: []byte("ok")}, nil
			},
		}
		c := cache.NewInMemoryCache("assets-v1")

		// Act
		err := cache.AddAll(ctx, c, fetcher, []string{"/index.html", "/broken.js"})

		// Assert
		require.Error(t, err)
		assert.ErrorIs(t, err, fetchErr)
		stored, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, stored)
	})
}

func TestStorageFetcher_SearchesGenerationsInOrder(t *testing.T) {
	ctx := context.Background()

	// Arrange
	storage := cache.NewInMemoryStorage()
	content, err := storage.Open(ctx, "content")
	require.NoError(t, err)
	assets, err := storage.Open(ctx, "assets")
	require.NoError(t, err)
	require.NoError(t, content.Put(ctx, "/shared", cache.Entry{Body: []byte("from content")}))
	require.NoError(t, assets.Put(ctx, "/shared", cache.Entry{Body: []byte("from assets")}))
	require.NoError(t, assets.Put(ctx, "/app.js", cache.Entry{Body: []byte("app")}))

	fetcher := cache.NewStorageFetcher(storage, "missing", "content", "assets")

	// Act & Assert
	entry, err := fetcher.Fetch(ctx, "/shared")
	require.NoError(t, err)
	assert.Equal(t, "from content", string(entry.Body))

	entry, err = fetcher.Fetch(ctx, "/app.js")
	require.NoError(t, err)
	assert.Equal(t, "app", string(entry.Body))

	_, err = fetcher.Fetch(ctx, "/nope")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	ok, err := storage.Has(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok, "lookups must not create generations")
}
