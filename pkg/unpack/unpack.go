// Package unpack extracts content packages into a cache generation.
package unpack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
)

// ProgressFunc receives the completed fraction of an unpack, in [0, 1].
// Successive calls never decrease. A returned error aborts the unpack.
type ProgressFunc func(ctx context.Context, progress float64) error

// Unpacker writes the entries of a package archive into a cache.
type Unpacker interface {
	Unpack(ctx context.Context, data []byte, dst cache.Cache, progress ProgressFunc) error
}

// ErrCorruptArchive wraps failures to read the archive itself.
var ErrCorruptArchive = errors.New("unpack: corrupt archive")

// ZipConfig configures a ZipUnpacker.
type ZipConfig struct {
	// MaxEntrySize rejects entries whose uncompressed size is larger. Zero
	// disables the check.
	MaxEntrySize uint64 `mapstructure:"max_entry_size"`
	// ProgressStep is the minimum progress increase between two reports.
	// The final report at 1.0 is always sent.
	ProgressStep float64 `mapstructure:"progress_step"`
	// BatchSize is how many entries are written to the cache at once.
	// Progress for an entry is reported once its batch is stored.
	BatchSize int `mapstructure:"batch_size"`
}

// NewZipConfigDefaults provides a config with sensible defaults.
func NewZipConfigDefaults() ZipConfig {
	return ZipConfig{
		MaxEntrySize: 64 << 20,
		ProgressStep: 0.01,
		BatchSize:    64,
	}
}

// ZipUnpacker extracts zip packages. Each regular file becomes a cache entry
// keyed by its slash-rooted path within the archive.
type ZipUnpacker struct {
	cfg    ZipConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewZipUnpacker creates a new ZipUnpacker.
func NewZipUnpacker(cfg ZipConfig, logger zerolog.Logger) *ZipUnpacker {
	if cfg.ProgressStep < 0 {
		cfg.ProgressStep = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = NewZipConfigDefaults().BatchSize
	}
	return &ZipUnpacker{
		cfg:    cfg,
		logger: logger.With().Str("component", "ZipUnpacker").Logger(),
		now:    time.Now,
	}
}

// Unpack reads the whole archive from data and stores its files in dst.
// Entries are processed in archive order and written in batches; progress
// is reported as the fraction of files written.
func (u *ZipUnpacker) Unpack(ctx context.Context, data []byte, dst cache.Cache, progress ProgressFunc) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			files = append(files, f)
		}
	}
	u.logger.Debug().Int("entries", len(files)).Str("cache", dst.Name()).Msg("Unpacking archive.")

	storedAt := u.now().UTC()
	pending := make([]cache.KeyedEntry, 0, u.cfg.BatchSize)
	written := 0
	reported := 0.0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := cache.PutBatch(ctx, dst, pending); err != nil {
			return fmt.Errorf("failed to store %d entries: %w", len(pending), err)
		}
		for range pending {
			written++
			done := float64(written) / float64(len(files))
			if progress != nil && (done-reported >= u.cfg.ProgressStep || written == len(files)) {
				reported = done
				if err := progress(ctx, done); err != nil {
					return err
				}
			}
		}
		pending = pending[:0]
		return nil
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		key, err := EntryKey(f.Name)
		if err != nil {
			return err
		}
		if u.cfg.MaxEntrySize > 0 && f.UncompressedSize64 > u.cfg.MaxEntrySize {
			return fmt.Errorf("entry %s is %d bytes, larger than the %d byte limit", f.Name, f.UncompressedSize64, u.cfg.MaxEntrySize)
		}

		body, err := readEntry(f)
		if err != nil {
			return fmt.Errorf("%w: entry %s: %v", ErrCorruptArchive, f.Name, err)
		}

		pending = append(pending, cache.KeyedEntry{
			Key: key,
			Entry: cache.Entry{
				Body:        body,
				ContentType: contentType(key),
				StoredAt:    storedAt,
			},
		})
		if len(pending) == u.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	u.logger.Debug().Int("entries", len(files)).Str("cache", dst.Name()).Msg("Archive unpacked.")
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// EntryKey maps an archive path to its cache key. Paths that would escape
// the archive root are rejected.
func EntryKey(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: entry %q escapes the archive root", ErrCorruptArchive, name)
		}
	}
	return path.Clean("/" + name), nil
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
