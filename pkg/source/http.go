package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryConfig controls how transient fetch failures are retried.
type RetryConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// HTTPConfig holds configuration for an HTTPSource.
type HTTPConfig struct {
	Origin  string        `mapstructure:"origin"`
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxBodySize rejects responses larger than this many bytes. Zero
	// disables the check.
	MaxBodySize int64       `mapstructure:"max_body_size"`
	Retry       RetryConfig `mapstructure:"retry"`
}

// NewHTTPConfigDefaults provides a config with sensible defaults.
func NewHTTPConfigDefaults(origin string) HTTPConfig {
	return HTTPConfig{
		Origin:      origin,
		Timeout:     5 * time.Minute,
		MaxBodySize: 1 << 30,
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
		},
	}
}

// HTTPSource fetches objects relative to an HTTP origin. Network errors and
// 5xx/429 responses are retried with exponential backoff; other non-2xx
// responses fail immediately.
type HTTPSource struct {
	origin *url.URL
	client *http.Client
	cfg    HTTPConfig
	logger zerolog.Logger
}

// NewHTTPSource creates a source for cfg.Origin. A nil client uses a new
// client with cfg.Timeout.
func NewHTTPSource(cfg HTTPConfig, client *http.Client, logger zerolog.Logger) (*HTTPSource, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", cfg.Origin, err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("origin %q must be an http or https URL", cfg.Origin)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSource{
		origin: origin,
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "HTTPSource").Str("origin", origin.String()).Logger(),
	}, nil
}

// URL resolves path against the origin.
func (s *HTTPSource) URL(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return s.origin.ResolveReference(ref), nil
}

// Fetch downloads the object at path and reads the body in full.
func (s *HTTPSource) Fetch(ctx context.Context, path string) (Object, error) {
	target, err := s.URL(path)
	if err != nil {
		return Object{}, err
	}

	var obj Object
	operation := func() error {
		var opErr error
		obj, opErr = s.fetchOnce(ctx, target.String())
		return opErr
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn().Err(err).Str("url", target.String()).Dur("retry_in", wait).Msg("Fetch failed, retrying.")
	}

	if err := backoff.RetryNotify(operation, s.backoff(ctx), notify); err != nil {
		return Object{}, err
	}
	return obj, nil
}

func (s *HTTPSource) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.cfg.Retry.InitialInterval > 0 {
		b.InitialInterval = s.cfg.Retry.InitialInterval
	}
	if s.cfg.Retry.MaxInterval > 0 {
		b.MaxInterval = s.cfg.Retry.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.Retry.MaxRetries), ctx)
}

func (s *HTTPSource) fetchOnce(ctx context.Context, target string) (Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Object{}, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Object{}, backoff.Permanent(ctx.Err())
		}
		return Object{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{URL: target, StatusCode: resp.StatusCode}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return Object{}, backoff.Permanent(fmt.Errorf("%w: %w", ErrNotFound, statusErr))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return Object{}, statusErr
		default:
			return Object{}, backoff.Permanent(statusErr)
		}
	}

	reader := io.Reader(resp.Body)
	if s.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(resp.Body, s.cfg.MaxBodySize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Object{}, fmt.Errorf("failed to read body of %s: %w", target, err)
	}
	if s.cfg.MaxBodySize > 0 && int64(len(body)) > s.cfg.MaxBodySize {
		return Object{}, backoff.Permanent(fmt.Errorf("body of %s exceeds %d bytes", target, s.cfg.MaxBodySize))
	}

	s.logger.Debug().Str("url", target).Int("bytes", len(body)).Msg("Fetched object.")
	return Object{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

// IsNotFound reports whether err means the origin has no such object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
