package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// BoltConfig holds configuration for the BoltDB-backed storage.
type BoltConfig struct {
	Path        string        `mapstructure:"path"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// BoltStorage is a durable Storage backed by a single BoltDB file. Each
// cache generation is a top-level bucket; entries are JSON-encoded values.
type BoltStorage struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// NewBoltStorage opens (or creates) the database file at cfg.Path.
func NewBoltStorage(cfg *BoltConfig, logger zerolog.Logger) (*BoltStorage, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("BoltStorage opened.")
	return &BoltStorage{
		db:     db,
		logger: logger.With().Str("component", "BoltStorage").Logger(),
	}, nil
}

// Open returns the named generation, creating its bucket if needed.
func (s *BoltStorage) Open(_ context.Context, name string) (Cache, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}
	return &boltCache{db: s.db, name: name}, nil
}

// Has reports whether the generation bucket exists.
func (s *BoltStorage) Has(_ context.Context, name string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return ok, err
}

// Delete drops the generation bucket and everything in it.
func (s *BoltStorage) Delete(_ context.Context, name string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	if existed {
		s.logger.Debug().Str("cache", name).Msg("Deleted cache generation.")
	}
	return existed, nil
}

// Keys lists every generation bucket name.
func (s *BoltStorage) Keys(_ context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

// Close closes the underlying database file.
func (s *BoltStorage) Close() error {
	if s.db != nil {
		s.logger.Info().Msg("Closing BoltStorage...")
		return s.db.Close()
	}
	return nil
}

// boltCache is a view of one generation bucket.
type boltCache struct {
	db   *bolt.DB
	name string
}

func (c *boltCache) Name() string { return c.name }

func (c *boltCache) Match(_ context.Context, key string) (Entry, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			// Values are only valid for the life of the transaction.
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("bolt get for %s: %w", key, err)
	}
	if data == nil {
		return Entry{}, ErrNotFound
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal entry %s: %w", key, err)
	}
	return entry, nil
}

func (c *boltCache) Put(_ context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", key, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(c.name))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// PutBatch stores every entry in one transaction, so a whole batch costs a
// single fsync.
func (c *boltCache) PutBatch(_ context.Context, entries []KeyedEntry) error {
	encoded := make([][]byte, len(entries))
	for i, e := range entries {
		data, err := json.Marshal(e.Entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry %s: %w", e.Key, err)
		}
		encoded[i] = data
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(c.name))
		if err != nil {
			return err
		}
		for i, e := range entries {
			if err := b.Put([]byte(e.Key), encoded[i]); err != nil {
				return fmt.Errorf("bolt put for %s: %w", e.Key, err)
			}
		}
		return nil
	})
}

func (c *boltCache) Delete(_ context.Context, key string) (bool, error) {
	var existed bool
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil || b.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(key))
	})
	return existed, err
}

func (c *boltCache) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
