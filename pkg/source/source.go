// Package source fetches content packages and application assets from the
// origins the worker is configured with.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/illmade-knight/go-contentsync/pkg/types"
)

// ErrNotFound is returned when the origin has no object at the path.
var ErrNotFound = errors.New("source: object not found")

// Object is a fetched response body.
type Object struct {
	Body        []byte
	ContentType string
}

// Source fetches whole objects by slash-rooted path.
type Source interface {
	Fetch(ctx context.Context, path string) (Object, error)
}

// PackagePath returns the archive path for a version transition:
// /packages/{latest}-content.zip for a full snapshot and
// /packages/{latest}-{current}-update.zip for a delta.
func PackagePath(d types.VersionDescriptor) string {
	latest := url.PathEscape(d.Latest)
	if d.IsFull() {
		return fmt.Sprintf("/packages/%s-content.zip", latest)
	}
	return fmt.Sprintf("/packages/%s-%s-update.zip", latest, url.PathEscape(d.Current))
}

// StatusError reports a non-success response from an origin.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// EntryFetcher adapts a Source to the cache.Fetcher contract so assets can
// be bulk-added into a cache generation.
type EntryFetcher struct {
	source Source
}

// NewEntryFetcher wraps src.
func NewEntryFetcher(src Source) *EntryFetcher {
	return &EntryFetcher{source: src}
}

// Fetch retrieves path from the source as a cache entry.
func (f *EntryFetcher) Fetch(ctx context.Context, path string) (cache.Entry, error) {
	obj, err := f.source.Fetch(ctx, path)
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{Body: obj.Body, ContentType: obj.ContentType, StoredAt: time.Now().UTC()}, nil
}

// Close is a no-op.
func (f *EntryFetcher) Close() error {
	return nil
}

// normalizePath ensures the path is rooted and free of a leading scheme.
func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
