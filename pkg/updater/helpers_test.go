package updater_test

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/illmade-knight/go-contentsync/pkg/source"
	"github.com/illmade-knight/go-contentsync/pkg/types"
	"github.com/illmade-knight/go-contentsync/pkg/unpack"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// recordingEmitter keeps every broadcast event in order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []types.Event
}

func (e *recordingEmitter) Broadcast(_ context.Context, event types.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return 1
}

func (e *recordingEmitter) Events() []types.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Event(nil), e.events...)
}

func (e *recordingEmitter) Last() types.Event {
	events := e.Events()
	if len(events) == 0 {
		return types.Event{}
	}
	return events[len(events)-1]
}

// mockSource serves objects from FetchFunc and records requested paths.
type mockSource struct {
	mu        sync.Mutex
	paths     []string
	FetchFunc func(ctx context.Context, path string) (source.Object, error)
}

func (s *mockSource) Fetch(ctx context.Context, path string) (source.Object, error) {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
	return s.FetchFunc(ctx, path)
}

func (s *mockSource) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// staticSource serves a fixed map of paths.
func staticSource(objects map[string]string) *mockSource {
	return &mockSource{FetchFunc: func(_ context.Context, path string) (source.Object, error) {
		body, ok := objects[path]
		if !ok {
			return source.Object{}, source.ErrNotFound
		}
		return source.Object{Body: []byte(body), ContentType: "text/plain"}, nil
	}}
}

// mockUnpacker writes Entries into the destination and reports Ticks.
type mockUnpacker struct {
	Entries    map[string]string
	Ticks      []float64
	UnpackFunc func(ctx context.Context, data []byte, dst cache.Cache, progress unpack.ProgressFunc) error
}

func (u *mockUnpacker) Unpack(ctx context.Context, data []byte, dst cache.Cache, progress unpack.ProgressFunc) error {
	if u.UnpackFunc != nil {
		return u.UnpackFunc(ctx, data, dst, progress)
	}
	for key, body := range u.Entries {
		if err := dst.Put(ctx, key, cache.Entry{Body: []byte(body)}); err != nil {
			return err
		}
	}
	for _, p := range u.Ticks {
		if err := progress(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// opLogStorage records generation deletes and entry writes in order.
type opLogStorage struct {
	*cache.InMemoryStorage
	mu  sync.Mutex
	ops []string
}

func newOpLogStorage() *opLogStorage {
	return &opLogStorage{InMemoryStorage: cache.NewInMemoryStorage()}
}

func (s *opLogStorage) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *opLogStorage) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *opLogStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.record("delete " + name)
	return s.InMemoryStorage.Delete(ctx, name)
}

func (s *opLogStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := s.InMemoryStorage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &opLogCache{Cache: c, log: s}, nil
}

type opLogCache struct {
	cache.Cache
	log *opLogStorage
}

func (c *opLogCache) Put(ctx context.Context, key string, entry cache.Entry) error {
	c.log.record("put " + c.Name() + key)
	return c.Cache.Put(ctx, key, entry)
}

// seed stores entries into the named generation.
func seed(ctx context.Context, storage cache.Storage, name string, keys ...string) error {
	c, err := storage.Open(ctx, name)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := c.Put(ctx, key, cache.Entry{Body: []byte(key)}); err != nil {
			return err
		}
	}
	return nil
}

// keysOf lists the keys of a generation, nil when it does not exist.
func keysOf(ctx context.Context, storage cache.Storage, name string) ([]string, error) {
	ok, err := storage.Has(ctx, name)
	if err != nil || !ok {
		return nil, err
	}
	c, err := storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.Keys(ctx)
}

// buildZip writes files into a zip archive in sorted name order.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

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
