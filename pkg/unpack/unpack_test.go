package unpack_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/illmade-knight/go-contentsync/pkg/unpack"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildArchive writes the given files, in order, into a zip archive.
func buildArchive(t *testing.T, names []string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestZipUnpacker_Unpack(t *testing.T) {
	ctx := context.Background()

	t.Run("Stores every file and reports monotonic progress", func(t *testing.T) {
		// Arrange
		names := []string{"en-US/docs/Web/index.json", "en-US/docs/Web/HTML/index.html", "static/media/logo.svg", "en-US/sitemap.txt"}
		files := map[string]string{
			"en-US/docs/Web/index.json":      `{"doc":{}}`,
			"en-US/docs/Web/HTML/index.html": "<h1>HTML</h1>",
			"static/media/logo.svg":          "<svg/>",
			"en-US/sitemap.txt":              "/en-US/docs/Web",
		}
		data := buildArchive(t, names, files)
		dst := cache.NewInMemoryCache("content")
		u := unpack.NewZipUnpacker(unpack.ZipConfig{}, zerolog.Nop())

		var ticks []float64
		progress := func(ctx context.Context, p float64) error {
			ticks = append(ticks, p)
			return nil
		}

		// Act
		err := u.Unpack(ctx, data, dst, progress)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, ticks)

		entry, err := dst.Match(ctx, "/en-US/docs/Web/HTML/index.html")
		require.NoError(t, err)
		assert.Equal(t, "<h1>HTML</h1>", string(entry.Body))
		assert.Contains(t, entry.ContentType, "text/html")

		keys, err := dst.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 4)
	})

	t.Run("Progress step throttles reports but always ends at 1", func(t *testing.T) {
		names := make([]string, 10)
		files := make(map[string]string, 10)
		for i := range names {
			names[i] = string(rune('a'+i)) + ".txt"
			files[names[i]] = "x"
		}
		data := buildArchive(t, names, files)
		u := unpack.NewZipUnpacker(unpack.ZipConfig{ProgressStep: 0.45}, zerolog.Nop())

		var ticks []float64
		err := u.Unpack(ctx, data, cache.NewInMemoryCache("content"), func(ctx context.Context, p float64) error {
			ticks = append(ticks, p)
			return nil
		})

		require.NoError(t, err)
		require.NotEmpty(t, ticks)
		assert.Equal(t, 1.0, ticks[len(ticks)-1])
		assert.Less(t, len(ticks), 10)
		for i := 1; i < len(ticks); i++ {
			assert.GreaterOrEqual(t, ticks[i], ticks[i-1])
		}
	})

	t.Run("Corrupt archive", func(t *testing.T) {
		u := unpack.NewZipUnpacker(unpack.NewZipConfigDefaults(), zerolog.Nop())
		err := u.Unpack(ctx, []byte("this is not a zip file"), cache.NewInMemoryCache("content"), nil)
		assert.ErrorIs(t, err, unpack.ErrCorruptArchive)
	})

	t.Run("Entry escaping the root is rejected", func(t *testing.T) {
		data := buildArchive(t, []string{"../../etc/passwd"}, map[string]string{"../../etc/passwd": "root"})
		dst := cache.NewInMemoryCache("content")
		u := unpack.NewZipUnpacker(unpack.NewZipConfigDefaults(), zerolog.Nop())

		err := u.Unpack(ctx, data, dst, nil)

		assert.ErrorIs(t, err, unpack.ErrCorruptArchive)
		keys, _ := dst.Keys(ctx)
		assert.Empty(t, keys)
	})

	t.Run("Oversized entry is rejected", func(t *testing.T) {
		data := buildArchive(t, []string{"big.bin"}, map[string]string{"big.bin": "0123456789"})
		u := unpack.NewZipUnpacker(unpack.ZipConfig{MaxEntrySize: 4}, zerolog.Nop())

		err := u.Unpack(ctx, data, cache.NewInMemoryCache("content"), nil)
		assert.Error(t, err)
	})

	t.Run("Progress error aborts", func(t *testing.T) {
		data := buildArchive(t, []string{"a.txt", "b.txt"}, map[string]string{"a.txt": "a", "b.txt": "b"})
		stop := errors.New("stop")
		u := unpack.NewZipUnpacker(unpack.ZipConfig{BatchSize: 1}, zerolog.Nop())
		dst := cache.NewInMemoryCache("content")

		err := u.Unpack(ctx, data, dst, func(ctx context.Context, p float64) error { return stop })

		assert.ErrorIs(t, err, stop)
		keys, _ := dst.Keys(ctx)
		assert.Equal(t, []string{"/a.txt"}, keys)
	})
}

// batchRecordingCache records how entries reach it.
type batchRecordingCache struct {
	*cache.InMemoryCache
	batches []int
	puts    int
}

func (c *batchRecordingCache) Put(ctx context.Context, key string, entry cache.Entry) error {
	c.puts++
	return c.InMemoryCache.Put(ctx, key, entry)
}

func (c *batchRecordingCache) PutBatch(ctx context.Context, entries []cache.KeyedEntry) error {
	c.batches = append(c.batches, len(entries))
	return c.InMemoryCache.PutBatch(ctx, entries)
}

func TestZipUnpacker_WritesInBatches(t *testing.T) {
	// Arrange
	ctx := context.Background()
	names := make([]string, 7)
	files := make(map[string]string, 7)
	for i := range names {
		names[i] = string(rune('a'+i)) + ".json"
		files[names[i]] = "{}"
	}
	data := buildArchive(t, names, files)
	dst := &batchRecordingCache{InMemoryCache: cache.NewInMemoryCache("content")}
	u := unpack.NewZipUnpacker(unpack.ZipConfig{BatchSize: 3}, zerolog.Nop())

	var ticks []float64
	var storedAtTick []int
	progress := func(ctx context.Context, p float64) error {
		ticks = append(ticks, p)
		keys, err := dst.Keys(ctx)
		require.NoError(t, err)
		storedAtTick = append(storedAtTick, len(keys))
		return nil
	}

	// Act
	err := u.Unpack(ctx, data, dst, progress)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 1}, dst.batches)
	assert.Zero(t, dst.puts, "entries must not be written one transaction at a time")
	require.Len(t, ticks, 7)
	assert.Equal(t, 1.0, ticks[6])
	for i, stored := range storedAtTick {
		assert.GreaterOrEqual(t, stored, i+1, "progress must not run ahead of stored entries")
	}
}

func TestEntryKey(t *testing.T) {
	key, err := unpack.EntryKey("en-US/docs/./Web/index.html")
	require.NoError(t, err)
	assert.Equal(t, "/en-US/docs/Web/index.html", key)

	_, err = unpack.EntryKey("a/../../b")
	assert.ErrorIs(t, err, unpack.ErrCorruptArchive)
}
