// Package worker assembles the content sync worker from its configuration:
// storage, sources, the update manager, command intake and the HTTP surface.
package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-contentsync/pkg/broadcast"
	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/illmade-knight/go-contentsync/pkg/config"
	"github.com/illmade-knight/go-contentsync/pkg/messagepipeline"
	"github.com/illmade-knight/go-contentsync/pkg/metrics"
	"github.com/illmade-knight/go-contentsync/pkg/microservice"
	"github.com/illmade-knight/go-contentsync/pkg/source"
	"github.com/illmade-knight/go-contentsync/pkg/types"
	"github.com/illmade-knight/go-contentsync/pkg/unpack"
	"github.com/illmade-knight/go-contentsync/pkg/updater"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

type commandService = messagepipeline.StreamingService[updater.Job]

// Worker owns every long-lived component of the process.
type Worker struct {
	cfg    *config.Config
	logger zerolog.Logger

	storage     cache.Storage
	content     *cache.InMemoryLRUCache[string, cache.Entry]
	hub         *broadcast.Hub
	broadcaster *broadcast.Broadcaster
	manager     *updater.Manager
	lifecycle   *updater.Lifecycle
	dispatcher  *updater.Dispatcher
	local       *messagepipeline.ChannelConsumer
	services    []*commandService
	publisher   messagepipeline.SimplePublisher
	server      *microservice.WorkerServer
	registry    *prometheus.Registry

	// closers release clients in reverse creation order on Shutdown.
	closers []func() error
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	storage      cache.Storage
	updateSource source.Source
	appSource    source.Source
	registry     *prometheus.Registry
}

// WithStorage uses s instead of the configured storage backend. The worker
// closes it on Shutdown.
func WithStorage(s cache.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithUpdateSource uses src for package archives.
func WithUpdateSource(src source.Source) Option {
	return func(o *options) { o.updateSource = src }
}

// WithAppSource uses src for the asset manifest and assets.
func WithAppSource(src source.Source) Option {
	return func(o *options) { o.appSource = src }
}

// WithRegistry registers metrics with reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New builds a worker. Nothing is started and no content is fetched until
// Install or Run is called. On error every client created so far is closed.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (_ *Worker, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	w := &Worker{
		cfg:    cfg,
		logger: logger.With().Str("component", "Worker").Logger(),
	}
	defer func() {
		if err != nil {
			_ = w.closeAll()
		}
	}()

	w.registry = o.registry
	if w.registry == nil {
		w.registry = prometheus.NewRegistry()
		w.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(w.registry)

	w.storage = o.storage
	if w.storage == nil {
		if w.storage, err = w.openStorage(ctx); err != nil {
			return nil, err
		}
	}
	w.closers = append(w.closers, w.storage.Close)

	updateSource := o.updateSource
	if updateSource == nil {
		if updateSource, err = w.newSource(ctx, cfg.Sources.UpdateOrigin); err != nil {
			return nil, fmt.Errorf("update source: %w", err)
		}
	}
	appSource := o.appSource
	if appSource == nil {
		if appSource, err = w.newSource(ctx, cfg.Sources.AppOrigin); err != nil {
			return nil, fmt.Errorf("app source: %w", err)
		}
	}

	queueSize := cfg.Commands.QueueSize
	if queueSize <= 0 {
		queueSize = config.NewConfigDefaults().Commands.QueueSize
	}
	w.local = messagepipeline.NewChannelConsumer(queueSize, logger)
	w.hub = broadcast.NewHub(cfg.Hub, w.submitFromClient, logger)
	metrics.RegisterClientGauge(w.registry, w.hub.Len)

	w.content, err = cache.NewInMemoryLRUCache[string, cache.Entry](
		cfg.ContentLRUSize,
		cache.NewStorageFetcher(w.storage, cfg.Caches.ContentCacheName, cfg.Caches.AssetCacheName),
	)
	if err != nil {
		return nil, fmt.Errorf("content cache: %w", err)
	}

	// The purge listener runs before any client hears about a change, so a
	// client reacting to init never reads stale content.
	listeners := broadcast.NewClientSet(broadcast.FuncClient{Name: "content-lru", PostFunc: w.purgeOnChange})
	extra := broadcast.NewClientSet()

	var psClient *pubsub.Client
	if cfg.PubSub.Enabled() {
		if psClient, err = w.newPubsubClient(ctx); err != nil {
			return nil, err
		}
		w.closers = append(w.closers, psClient.Close)
	}
	if cfg.PubSub.Events.TopicID != "" {
		// One ordering key per worker keeps each session's events in order.
		eventsCfg := cfg.PubSub.Events
		if eventsCfg.OrderingKey == "" {
			eventsCfg.OrderingKey = cfg.Server.ServiceName
		}
		publisher, err := messagepipeline.NewGoogleSimplePublisher(ctx, eventsCfg, psClient, logger)
		if err != nil {
			return nil, fmt.Errorf("event publisher: %w", err)
		}
		w.publisher = publisher
		extra.Add(broadcast.NewPublisherClient("pubsub:"+cfg.PubSub.Events.TopicID, publisher))
	}
	w.broadcaster = broadcast.NewBroadcaster(logger, listeners, w.hub, extra)

	w.manager, err = updater.NewManager(
		cfg.Caches,
		w.storage,
		updateSource,
		unpack.NewZipUnpacker(cfg.Unpack, logger),
		w.broadcaster,
		logger,
		updater.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("update manager: %w", err)
	}
	w.lifecycle, err = updater.NewLifecycle(cfg.Caches, w.storage, appSource, w.hub, logger)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	w.dispatcher = updater.NewDispatcher(w.manager, logger)

	consumers := []messagepipeline.MessageConsumer{w.local}
	if cfg.PubSub.Commands.SubscriptionID != "" {
		remote, err := messagepipeline.NewGooglePubsubConsumer(ctx, cfg.PubSub.Commands, psClient, logger)
		if err != nil {
			return nil, fmt.Errorf("command subscription: %w", err)
		}
		consumers = append(consumers, remote)
	}
	for _, consumer := range consumers {
		svc, err := messagepipeline.NewStreamingService[updater.Job](
			cfg.Commands.Streaming,
			consumer,
			updater.NewCommandTransformer(logger),
			w.dispatcher.Process,
			logger,
			messagepipeline.WithAdmitter(w.dispatcher.Admit),
		)
		if err != nil {
			return nil, fmt.Errorf("command service: %w", err)
		}
		w.services = append(w.services, svc)
	}

	w.server = microservice.NewWorkerServer(cfg.Server, microservice.WorkerDeps{
		Hub:      w.hub,
		Commands: w.local,
		Status:   w.manager,
		Content:  w.content,
		Observer: m,
		Gatherer: w.registry,
	}, logger)

	return w, nil
}

// Install populates the asset cache from the application origin.
func (w *Worker) Install(ctx context.Context) error {
	return w.lifecycle.Install(ctx)
}

// Activate claims clients and removes stale cache generations.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	return w.lifecycle.Activate(ctx)
}

// Start begins consuming commands and serving HTTP.
func (w *Worker) Start(ctx context.Context) error {
	for _, svc := range w.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start command service: %w", err)
		}
	}
	if err := w.server.Start(); err != nil {
		return err
	}
	w.logger.Info().Str("port", w.server.GetHTTPPort()).Int("command_services", len(w.services)).Msg("Worker started.")
	return nil
}

// Run installs, activates and starts the worker, then blocks until ctx is
// done and shuts down. An install failure leaves nothing running.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	if _, err := w.Activate(ctx); err != nil {
		return fmt.Errorf("activate failed: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	w.logger.Info().Msg("Shutdown requested.")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Server.ShutdownTimeout)
	defer cancel()
	return w.Shutdown(shutdownCtx)
}

// Shutdown stops HTTP, disconnects clients, drains the command services and
// releases every client. Errors are collected rather than short-circuiting.
func (w *Worker) Shutdown(ctx context.Context) error {
	var errs *multierror.Error
	if err := w.server.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to stop http server: %w", err))
	}
	w.hub.Close()
	for _, svc := range w.services {
		if err := svc.Stop(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to stop command service: %w", err))
		}
	}
	if w.publisher != nil {
		if err := w.publisher.Stop(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to stop event publisher: %w", err))
		}
	}
	if err := w.content.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close content cache: %w", err))
	}
	if err := w.closeAll(); err != nil {
		errs = multierror.Append(errs, err)
	}
	w.logger.Info().Msg("Worker stopped.")
	return errs.ErrorOrNil()
}

// HTTPPort returns the port the server listens on once started.
func (w *Worker) HTTPPort() string {
	return w.server.GetHTTPPort()
}

// Manager exposes the update manager.
func (w *Worker) Manager() *updater.Manager {
	return w.manager
}

// Storage exposes the cache storage.
func (w *Worker) Storage() cache.Storage {
	return w.storage
}

// Registry exposes the metrics registry.
func (w *Worker) Registry() *prometheus.Registry {
	return w.registry
}

func (w *Worker) closeAll() error {
	var errs *multierror.Error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	w.closers = nil
	return errs.ErrorOrNil()
}

// submitFromClient queues a websocket frame on the local command queue.
func (w *Worker) submitFromClient(ctx context.Context, clientID string, payload []byte) error {
	_, err := w.local.Submit(ctx, payload, map[string]string{
		messagepipeline.AttributeSource:   "websocket",
		messagepipeline.AttributeClientID: clientID,
	})
	return err
}

// purgeOnChange drops cached content whenever the content generation may
// have changed underneath it. A full snapshot deletes the generation before
// downloading is announced, and a failed update can leave it empty, so
// downloading and error purge as well as init and clearing.
func (w *Worker) purgeOnChange(_ context.Context, event types.Event) error {
	if event.Type != types.EventUpdateStatus {
		return nil
	}
	switch event.State {
	case types.StateDownloading, types.StateInit, types.StateClearing, types.StateError:
		w.content.Purge()
	}
	return nil
}

func (w *Worker) openStorage(ctx context.Context) (cache.Storage, error) {
	sc := w.cfg.Storage
	switch sc.Backend {
	case config.BackendMemory:
		return cache.NewInMemoryStorage(), nil
	case config.BackendBolt:
		return cache.NewBoltStorage(&sc.Bolt, w.logger)
	case config.BackendRedis:
		return cache.NewRedisStorage(ctx, &sc.Redis, w.logger)
	case config.BackendFirestore:
		projectID := sc.Firestore.ProjectID
		if projectID == "" {
			projectID = w.cfg.PubSub.ProjectID
		}
		client, err := firestore.NewClient(ctx, projectID, w.clientOptions()...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		w.closers = append(w.closers, client.Close)
		fsCfg := sc.Firestore
		fsCfg.ProjectID = projectID
		return cache.NewFirestoreStorage(&fsCfg, client, w.logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// newSource picks a Source implementation from the origin's scheme.
func (w *Worker) newSource(ctx context.Context, origin string) (source.Source, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		httpCfg := w.cfg.Sources.HTTP
		httpCfg.Origin = origin
		return source.NewHTTPSource(httpCfg, nil, w.logger)
	case "gs":
		gcsCfg, err := source.ParseGCSOrigin(origin)
		if err != nil {
			return nil, err
		}
		client, err := storage.NewClient(ctx, w.clientOptions()...)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		w.closers = append(w.closers, client.Close)
		return source.NewGCSSource(source.NewGCSClientAdapter(client), gcsCfg, w.logger)
	default:
		return nil, fmt.Errorf("origin %q: unsupported scheme %q", origin, u.Scheme)
	}
}

func (w *Worker) newPubsubClient(ctx context.Context) (*pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, w.cfg.PubSub.ProjectID, w.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return client, nil
}

func (w *Worker) clientOptions() []option.ClientOption {
	if w.cfg.PubSub.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(w.cfg.PubSub.CredentialsFile)}
}
