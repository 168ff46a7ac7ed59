package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/illmade-knight/go-contentsync/pkg/messagepipeline"
	"github.com/illmade-knight/go-contentsync/pkg/updater"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// CommandSubmitter queues a raw command for the command workers.
type CommandSubmitter interface {
	Submit(ctx context.Context, payload []byte, attributes map[string]string) (string, error)
}

// StatusProvider reports the update session state.
type StatusProvider interface {
	Status() updater.Status
}

// RouteObserver records per-route traffic and content lookups.
type RouteObserver interface {
	Middleware(route string, next http.Handler) http.Handler
	ContentLookup(hit bool)
}

// WorkerServerConfig holds configuration for a WorkerServer.
type WorkerServerConfig struct {
	BaseConfig     `mapstructure:",squash"`
	MaxCommandSize int64 `mapstructure:"max_command_size"`
}

// NewWorkerServerDefaults provides a config with sensible defaults.
func NewWorkerServerDefaults() WorkerServerConfig {
	return WorkerServerConfig{
		BaseConfig:     NewBaseConfigDefaults(),
		MaxCommandSize: 16 << 10,
	}
}

// WorkerDeps are the collaborators a WorkerServer routes to. Nil fields
// leave their routes unregistered.
type WorkerDeps struct {
	// Hub attaches websocket clients at /ws.
	Hub      http.Handler
	Commands CommandSubmitter
	Status   StatusProvider
	// Content serves cached entries at /content/{key...}.
	Content  cache.Fetcher[string, cache.Entry]
	Observer RouteObserver
	Gatherer prometheus.Gatherer
}

// WorkerServer is the worker's HTTP surface.
type WorkerServer struct {
	*BaseServer
	cfg  WorkerServerConfig
	deps WorkerDeps
}

// NewWorkerServer creates the server and registers its routes.
func NewWorkerServer(cfg WorkerServerConfig, deps WorkerDeps, logger zerolog.Logger) *WorkerServer {
	s := &WorkerServer{
		BaseServer: NewBaseServer(logger.With().Str("component", "WorkerServer").Logger(), cfg.BaseConfig),
		cfg:        cfg,
		deps:       deps,
	}
	s.registerRoutes()
	return s
}

func (s *WorkerServer) registerRoutes() {
	mux := s.Mux()
	if s.deps.Hub != nil {
		mux.Handle("/ws", s.deps.Hub)
	}
	if s.deps.Commands != nil {
		mux.Handle("POST /commands", s.observe("commands", http.HandlerFunc(s.handleCommand)))
	}
	if s.deps.Status != nil {
		mux.Handle("GET /status", s.observe("status", http.HandlerFunc(s.handleStatus)))
	}
	if s.deps.Content != nil {
		mux.Handle("GET /content/{key...}", s.observe("content", http.HandlerFunc(s.handleContent)))
	}
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
}

func (s *WorkerServer) observe(route string, h http.Handler) http.Handler {
	if s.deps.Observer == nil {
		return h
	}
	return s.deps.Observer.Middleware(route, h)
}

type commandAccepted struct {
	ID string `json:"id"`
}

// handleCommand queues the request body as a command and answers 202.
// The command is decoded by the workers, like commands from any transport.
func (s *WorkerServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxCommandSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "command too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read command", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "command must be JSON", http.StatusBadRequest)
		return
	}

	id, err := s.deps.Commands.Submit(r.Context(), body, map[string]string{
		messagepipeline.AttributeSource: "http",
	})
	if err != nil {
		s.Logger.Warn().Err(err).Msg("Failed to queue command.")
		http.Error(w, "command queue unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, commandAccepted{ID: id})
}

func (s *WorkerServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Status())
}

func (s *WorkerServer) handleContent(w http.ResponseWriter, r *http.Request) {
	key := "/" + r.PathValue("key")
	entry, err := s.deps.Content.Fetch(r.Context(), key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			s.lookup(false)
			http.NotFound(w, r)
			return
		}
		s.Logger.Error().Err(err).Str("key", key).Msg("Content lookup failed.")
		http.Error(w, "content lookup failed", http.StatusInternalServerError)
		return
	}
	s.lookup(true)

	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Body)
	}
}

func (s *WorkerServer) lookup(hit bool) {
	if s.deps.Observer != nil {
		s.deps.Observer.ContentLookup(hit)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
