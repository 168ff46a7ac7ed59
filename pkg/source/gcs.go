package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
)

// --- GCS Client Abstraction Interfaces ---

// GCSClient abstracts the top-level *storage.Client.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewReader(ctx context.Context) (GCSReader, error)
}

// GCSReader abstracts a *storage.Reader.
type GCSReader interface {
	io.ReadCloser
	ContentType() string
}

// --- Adapters to wrap the concrete Google Cloud Storage client ---

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter makes a concrete *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewReader(ctx context.Context) (GCSReader, error) {
	r, err := a.handle.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &gcsReaderAdapter{Reader: r}, nil
}

type gcsReaderAdapter struct {
	*storage.Reader
}

func (r *gcsReaderAdapter) ContentType() string {
	return r.Attrs.ContentType
}

// GCSConfig locates packages in a bucket.
type GCSConfig struct {
	BucketName   string `mapstructure:"bucket_name"`
	ObjectPrefix string `mapstructure:"object_prefix"`
}

// ParseGCSOrigin splits a gs://bucket/prefix origin into its parts.
func ParseGCSOrigin(origin string) (GCSConfig, error) {
	rest, ok := strings.CutPrefix(origin, "gs://")
	if !ok || rest == "" {
		return GCSConfig{}, fmt.Errorf("origin %q is not a gs:// URL", origin)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	return GCSConfig{BucketName: bucket, ObjectPrefix: strings.Trim(prefix, "/")}, nil
}

// GCSSource fetches objects from a Cloud Storage bucket, mapping a path such
// as /packages/v2-content.zip to the object {prefix}/packages/v2-content.zip.
type GCSSource struct {
	client GCSClient
	config GCSConfig
	logger zerolog.Logger
}

// NewGCSSource creates a new source reading from the configured bucket.
func NewGCSSource(client GCSClient, config GCSConfig, logger zerolog.Logger) (*GCSSource, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSSource{
		client: client,
		config: config,
		logger: logger.With().Str("component", "GCSSource").Str("bucket", config.BucketName).Logger(),
	}, nil
}

// ObjectName returns the object a path maps to.
func (s *GCSSource) ObjectName(p string) string {
	name := strings.TrimPrefix(path.Clean(normalizePath(p)), "/")
	if s.config.ObjectPrefix == "" {
		return name
	}
	return path.Join(s.config.ObjectPrefix, name)
}

// Fetch reads the whole object at path.
func (s *GCSSource) Fetch(ctx context.Context, p string) (Object, error) {
	objectName := s.ObjectName(p)
	r, err := s.client.Bucket(s.config.BucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Object{}, fmt.Errorf("gs://%s/%s: %w", s.config.BucketName, objectName, ErrNotFound)
		}
		return Object{}, fmt.Errorf("failed to open gs://%s/%s: %w", s.config.BucketName, objectName, err)
	}
	defer func() { _ = r.Close() }()

	body, err := io.ReadAll(r)
	if err != nil {
		return Object{}, fmt.Errorf("failed to read gs://%s/%s: %w", s.config.BucketName, objectName, err)
	}

	s.logger.Debug().Str("object_name", objectName).Int("bytes", len(body)).Msg("Fetched object from GCS.")
	return Object{Body: body, ContentType: r.ContentType()}, nil
}
