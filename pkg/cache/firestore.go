package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore-backed storage.
type FirestoreConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	CollectionName string `mapstructure:"collection_name"`
}

const firestoreEntries = "entries"

type firestoreGeneration struct {
	Name    string    `firestore:"name"`
	Created time.Time `firestore:"created"`
}

type firestoreEntry struct {
	Key         string    `firestore:"key"`
	Body        []byte    `firestore:"body"`
	ContentType string    `firestore:"contentType"`
	StoredAt    time.Time `firestore:"storedAt"`
}

// FirestoreStorage keeps each cache generation as a document in a root
// collection, with its entries in an "entries" subcollection. Document ids
// are hashes of the generation name or entry key, since keys are paths.
//
// Entries are limited by Firestore's document size, so this backend suits
// low volume deployments; use Redis or Bolt for large content packages.
type FirestoreStorage struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStorage creates a new FirestoreStorage. The client's lifecycle
// is managed by the caller.
func NewFirestoreStorage(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStorage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStorage initialized.")

	return &FirestoreStorage{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStorage").Logger(),
	}, nil
}

func firestoreID(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

func (s *FirestoreStorage) generationRef(name string) *firestore.DocumentRef {
	return s.client.Collection(s.collectionName).Doc(firestoreID(name))
}

// Open creates the generation document if needed.
func (s *FirestoreStorage) Open(ctx context.Context, name string) (Cache, error) {
	ref := s.generationRef(name)
	_, err := ref.Create(ctx, firestoreGeneration{Name: name, Created: time.Now().UTC()})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("firestore create for cache %s: %w", name, err)
	}
	return &firestoreCache{name: name, ref: ref, logger: s.logger}, nil
}

// Has reports whether the generation document exists.
func (s *FirestoreStorage) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.generationRef(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("firestore get for cache %s: %w", name, err)
	}
	return true, nil
}

// bulkResult is the part of *firestore.BulkWriterJob Delete waits on.
type bulkResult interface {
	Results() (*firestore.WriteResult, error)
}

// awaitBulkResults collects the outcome of every queued bulk write. It must
// be called after the BulkWriter has been ended or flushed.
func awaitBulkResults(jobs []bulkResult) error {
	var errs *multierror.Error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Delete removes every entry of the generation and then the generation
// itself. If any entry delete fails the generation document is kept, so a
// later Delete can finish the job and Open never resurrects orphans.
func (s *FirestoreStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}

	ref := s.generationRef(name)
	bw := s.client.BulkWriter(ctx)
	var jobs []bulkResult
	iter := ref.Collection(firestoreEntries).DocumentRefs(ctx)
	for {
		docRef, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return false, fmt.Errorf("firestore list entries of %s: %w", name, err)
		}
		job, err := bw.Delete(docRef)
		if err != nil {
			bw.End()
			return false, fmt.Errorf("firestore delete entry of %s: %w", name, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	if err := awaitBulkResults(jobs); err != nil {
		s.logger.Error().Err(err).Str("cache", name).Int("entries", len(jobs)).Msg("Failed to delete cache entries, keeping generation document.")
		return false, fmt.Errorf("firestore delete entries of %s: %w", name, err)
	}

	if _, err := ref.Delete(ctx); err != nil {
		s.logger.Error().Err(err).Str("cache", name).Msg("Failed to delete cache generation document.")
		return false, fmt.Errorf("firestore delete for cache %s: %w", name, err)
	}
	s.logger.Debug().Str("cache", name).Msg("Deleted cache generation.")
	return true, nil
}

// Keys lists every generation name.
func (s *FirestoreStorage) Keys(ctx context.Context) ([]string, error) {
	iter := s.client.Collection(s.collectionName).Documents(ctx)
	defer iter.Stop()

	var names []string
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list generations: %w", err)
		}
		var gen firestoreGeneration
		if err := doc.DataTo(&gen); err != nil {
			return nil, fmt.Errorf("firestore DataTo for %s: %w", doc.Ref.ID, err)
		}
		names = append(names, gen.Name)
	}
	return names, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStorage) Close() error {
	s.logger.Info().Msg("FirestoreStorage does not close the injected Firestore client.")
	return nil
}

type firestoreCache struct {
	name   string
	ref    *firestore.DocumentRef
	logger zerolog.Logger
}

func (c *firestoreCache) Name() string { return c.name }

func (c *firestoreCache) entryRef(key string) *firestore.DocumentRef {
	return c.ref.Collection(firestoreEntries).Doc(firestoreID(key))
}

func (c *firestoreCache) Match(ctx context.Context, key string) (Entry, error) {
	snap, err := c.entryRef(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("firestore get for %s: %w", key, err)
	}
	var doc firestoreEntry
	if err := snap.DataTo(&doc); err != nil {
		return Entry{}, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	return Entry{Body: doc.Body, ContentType: doc.ContentType, StoredAt: doc.StoredAt}, nil
}

func (c *firestoreCache) Put(ctx context.Context, key string, entry Entry) error {
	doc := firestoreEntry{Key: key, Body: entry.Body, ContentType: entry.ContentType, StoredAt: entry.StoredAt}
	if _, err := c.entryRef(key).Set(ctx, doc); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to write entry to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	return nil
}

func (c *firestoreCache) Delete(ctx context.Context, key string) (bool, error) {
	ref := c.entryRef(key)
	if _, err := ref.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("firestore get for %s: %w", key, err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return false, fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return true, nil
}

func (c *firestoreCache) Keys(ctx context.Context) ([]string, error) {
	iter := c.ref.Collection(firestoreEntries).Documents(ctx)
	defer iter.Stop()

	var keys []string
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list entries of %s: %w", c.name, err)
		}
		var entry firestoreEntry
		if err := doc.DataTo(&entry); err != nil {
			return nil, fmt.Errorf("firestore DataTo for %s: %w", doc.Ref.ID, err)
		}
		keys = append(keys, entry.Key)
	}
	return keys, nil
}
