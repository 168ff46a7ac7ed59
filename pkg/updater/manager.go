// Package updater moves the content cache between versions and keeps the
// asset cache in step with the running worker build.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/illmade-knight/go-contentsync/pkg/source"
	"github.com/illmade-knight/go-contentsync/pkg/types"
	"github.com/illmade-knight/go-contentsync/pkg/unpack"
	"github.com/rs/zerolog"
)

var (
	// ErrBusy is returned when a request arrives while a session is active.
	// The request is dropped, not queued.
	ErrBusy = errors.New("updater: a session is already active")
	// ErrInvalidDescriptor is returned for an update without a target version.
	ErrInvalidDescriptor = errors.New("updater: version descriptor has no latest version")
)

// Emitter delivers an event to every attached client.
type Emitter interface {
	Broadcast(ctx context.Context, event types.Event) int
}

// Config names the two live cache generations.
type Config struct {
	AssetCacheName   string `mapstructure:"asset_cache_name"`
	ContentCacheName string `mapstructure:"content_cache_name"`
}

// NewConfigDefaults provides a config with sensible defaults.
func NewConfigDefaults() Config {
	return Config{
		AssetCacheName:   "assets-v1",
		ContentCacheName: "content-v1",
	}
}

// Validate checks both names are set and distinct.
func (c Config) Validate() error {
	if c.AssetCacheName == "" || c.ContentCacheName == "" {
		return errors.New("asset and content cache names are required")
	}
	if c.AssetCacheName == c.ContentCacheName {
		return fmt.Errorf("asset and content cache must differ, both are %q", c.AssetCacheName)
	}
	return nil
}

// SessionKind distinguishes update sessions from clear sessions.
type SessionKind string

const (
	SessionUpdate SessionKind = "update"
	SessionClear  SessionKind = "clear"
)

// Session is the single in-flight operation.
type Session struct {
	ID         string                  `json:"id"`
	Kind       SessionKind             `json:"kind"`
	Descriptor types.VersionDescriptor `json:"descriptor"`
	StartedAt  time.Time               `json:"startedAt"`
}

// Status is a snapshot of the manager's session state.
type Status struct {
	Active  bool     `json:"active"`
	Session *Session `json:"session,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records session metrics to recorder.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(m *Manager) {
		if recorder != nil {
			m.metrics = recorder
		}
	}
}

// Manager runs update and clear sessions. At most one session is active at
// a time; the guard is claimed with a compare-and-set before any blocking
// work and released when the session returns, fails or panics.
type Manager struct {
	cfg      Config
	storage  cache.Storage
	source   source.Source
	unpacker unpack.Unpacker
	emitter  Emitter
	metrics  MetricsRecorder
	logger   zerolog.Logger

	session atomic.Pointer[Session]
}

// NewManager creates a manager. src serves package archives.
func NewManager(
	cfg Config,
	storage cache.Storage,
	src source.Source,
	unpacker unpack.Unpacker,
	emitter Emitter,
	logger zerolog.Logger,
	opts ...Option,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if storage == nil || src == nil || unpacker == nil || emitter == nil {
		return nil, errors.New("storage, source, unpacker and emitter are required")
	}
	m := &Manager{
		cfg:      cfg,
		storage:  storage,
		source:   src,
		unpacker: unpacker,
		emitter:  emitter,
		metrics:  NoOpMetricsRecorder{},
		logger:   logger.With().Str("component", "UpdateManager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Status returns the current session state.
func (m *Manager) Status() Status {
	s := m.session.Load()
	if s == nil {
		return Status{}
	}
	snapshot := *s
	return Status{Active: true, Session: &snapshot}
}

// RequestUpdate moves the content generation to d.Latest. A full snapshot
// (empty d.Current) deletes the content generation before downloading; a
// delta is unpacked over the existing generation. Progress is broadcast as
// downloading, unpacking ticks, then init. On failure an error event is
// broadcast and the wrapped error returned.
func (m *Manager) RequestUpdate(ctx context.Context, d types.VersionDescriptor) error {
	s, err := m.Begin(SessionUpdate, d)
	if err != nil {
		return err
	}
	return m.Run(ctx, s)
}

// Begin claims the session guard for a session of kind without running it.
// It never blocks, so callers that must admit requests in arrival order can
// claim the guard before handing the session to another goroutine. The
// returned session must be passed to Run.
func (m *Manager) Begin(kind SessionKind, d types.VersionDescriptor) (*Session, error) {
	switch kind {
	case SessionUpdate:
		if d.Latest == "" {
			return nil, ErrInvalidDescriptor
		}
	case SessionClear:
		d = types.VersionDescriptor{}
	default:
		return nil, fmt.Errorf("updater: unknown session kind %q", kind)
	}
	s, ok := m.begin(kind, d)
	if !ok {
		return nil, ErrBusy
	}
	return s, nil
}

// Run executes a session claimed by Begin and releases the guard when it
// returns, fails or panics.
func (m *Manager) Run(ctx context.Context, s *Session) (err error) {
	if s == nil || m.session.Load() != s {
		return errors.New("updater: session is not active")
	}
	defer m.end(ctx, s, &err)

	if s.Kind == SessionClear {
		return m.runClear(ctx, s)
	}
	return m.runUpdate(ctx, s)
}

func (m *Manager) runUpdate(ctx context.Context, s *Session) error {
	d := s.Descriptor
	log := m.logger.With().Str("session_id", s.ID).Str("latest", d.Latest).Str("current", d.Current).Logger()

	if d.IsFull() {
		if _, err := m.storage.Delete(ctx, m.cfg.ContentCacheName); err != nil {
			return fmt.Errorf("failed to delete content cache %s: %w", m.cfg.ContentCacheName, err)
		}
		log.Info().Msg("Deleted content cache ahead of full snapshot.")
	}

	m.emit(ctx, types.StatusEvent(types.StateDownloading, 0))

	packagePath := source.PackagePath(d)
	log.Info().Str("package", packagePath).Msg("Downloading package.")
	archive, err := m.source.Fetch(ctx, packagePath)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", packagePath, err)
	}
	m.metrics.ArchiveDownloaded(len(archive.Body))

	log.Info().Int("bytes", len(archive.Body)).Msg("Unpacking package.")
	m.emit(ctx, types.StatusEvent(types.StateUnpacking, 0))

	content, err := m.storage.Open(ctx, m.cfg.ContentCacheName)
	if err != nil {
		return fmt.Errorf("failed to open content cache %s: %w", m.cfg.ContentCacheName, err)
	}
	err = m.unpacker.Unpack(ctx, archive.Body, content, func(ctx context.Context, progress float64) error {
		m.emit(ctx, types.StatusEvent(types.StateUnpacking, progress))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unpack %s: %w", packagePath, err)
	}

	m.emit(ctx, types.InitEvent(d.Latest, d.Date))
	log.Info().Msg("Update complete.")
	return nil
}

// RequestClear deletes the content generation and announces that no
// content is installed. The asset generation is kept. It shares the
// update guard, so a clear during an active session returns ErrBusy.
func (m *Manager) RequestClear(ctx context.Context) error {
	s, err := m.Begin(SessionClear, types.VersionDescriptor{})
	if err != nil {
		return err
	}
	return m.Run(ctx, s)
}

func (m *Manager) runClear(ctx context.Context, s *Session) error {
	m.emit(ctx, types.StatusEvent(types.StateClearing, 0))
	if _, err := m.storage.Delete(ctx, m.cfg.ContentCacheName); err != nil {
		return fmt.Errorf("failed to delete content cache %s: %w", m.cfg.ContentCacheName, err)
	}
	m.emit(ctx, types.ClearedEvent())
	m.logger.Info().Str("session_id", s.ID).Msg("Content cleared.")
	return nil
}

// Ping broadcasts a pong and returns how many clients received it.
func (m *Manager) Ping(ctx context.Context) int {
	return m.emit(ctx, types.PongEvent())
}

func (m *Manager) begin(kind SessionKind, d types.VersionDescriptor) (*Session, bool) {
	s := &Session{
		ID:         uuid.NewString(),
		Kind:       kind,
		Descriptor: d,
		StartedAt:  time.Now().UTC(),
	}
	if !m.session.CompareAndSwap(nil, s) {
		active := m.session.Load()
		ev := m.logger.Debug().Str("kind", string(kind))
		if active != nil {
			ev = ev.Str("active_session_id", active.ID)
		}
		ev.Msg("Session already active, dropping request.")
		m.metrics.SessionDropped(kind)
		return nil, false
	}
	m.metrics.SessionStarted(kind)
	return s, true
}

// end finishes s. A panic is turned into an error, an error is announced
// to clients, and the guard is always released.
func (m *Manager) end(ctx context.Context, s *Session, errp *error) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("%s session %s panicked: %v", s.Kind, s.ID, r)
	}

	outcome := "success"
	if *errp != nil {
		outcome = "error"
		m.logger.Error().Err(*errp).Str("session_id", s.ID).Str("kind", string(s.Kind)).Msg("Session failed.")
		// Clients must see the terminal event even when ctx is cancelled.
		m.emit(context.WithoutCancel(ctx), types.ErrorEvent(*errp))
	}
	m.metrics.SessionFinished(s.Kind, outcome, time.Since(s.StartedAt))
	m.session.CompareAndSwap(s, nil)
}

func (m *Manager) emit(ctx context.Context, event types.Event) int {
	return m.emitter.Broadcast(ctx, event)
}
