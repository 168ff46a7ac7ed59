// Package config loads the worker configuration from defaults, an optional
// YAML file and CONTENTSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-contentsync/pkg/broadcast"
	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/illmade-knight/go-contentsync/pkg/logging"
	"github.com/illmade-knight/go-contentsync/pkg/messagepipeline"
	"github.com/illmade-knight/go-contentsync/pkg/microservice"
	"github.com/illmade-knight/go-contentsync/pkg/source"
	"github.com/illmade-knight/go-contentsync/pkg/unpack"
	"github.com/illmade-knight/go-contentsync/pkg/updater"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// CONTENTSYNC_SOURCES_UPDATE_ORIGIN.
const EnvPrefix = "CONTENTSYNC"

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendBolt      = "bolt"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config holds all worker configuration.
type Config struct {
	Logging        logging.Config                  `mapstructure:"logging"`
	Server         microservice.WorkerServerConfig `mapstructure:"server"`
	Caches         updater.Config                  `mapstructure:"caches"`
	Storage        StorageConfig                   `mapstructure:"storage"`
	Sources        SourcesConfig                   `mapstructure:"sources"`
	Unpack         unpack.ZipConfig                `mapstructure:"unpack"`
	Hub            broadcast.HubConfig             `mapstructure:"hub"`
	Commands       CommandsConfig                  `mapstructure:"commands"`
	PubSub         PubSubConfig                    `mapstructure:"pubsub"`
	ContentLRUSize int                             `mapstructure:"content_lru_size"`
}

// StorageConfig selects and configures the cache storage backend.
type StorageConfig struct {
	Backend   string                `mapstructure:"backend"`
	Bolt      cache.BoltConfig      `mapstructure:"bolt"`
	Redis     cache.RedisConfig     `mapstructure:"redis"`
	Firestore cache.FirestoreConfig `mapstructure:"firestore"`
}

// SourcesConfig names the two origins the worker fetches from. Origins are
// http(s):// URLs or gs://bucket/prefix locations.
type SourcesConfig struct {
	// UpdateOrigin serves /packages/*.zip.
	UpdateOrigin string `mapstructure:"update_origin"`
	// AppOrigin serves /asset-manifest.json and the assets it lists.
	AppOrigin string            `mapstructure:"app_origin"`
	HTTP      source.HTTPConfig `mapstructure:"http"`
}

// CommandsConfig sizes the in-process command queue and worker pool.
type CommandsConfig struct {
	QueueSize int                                    `mapstructure:"queue_size"`
	Streaming messagepipeline.StreamingServiceConfig `mapstructure:"streaming"`
}

// PubSubConfig enables Pub/Sub command intake and event fan-out. Either
// side is disabled when its id is empty.
type PubSubConfig struct {
	ProjectID       string                                      `mapstructure:"project_id"`
	CredentialsFile string                                      `mapstructure:"credentials_file"`
	Commands        messagepipeline.GooglePubsubConsumerConfig  `mapstructure:"commands"`
	Events          messagepipeline.GoogleSimplePublisherConfig `mapstructure:"events"`
}

// Enabled reports whether any Pub/Sub side is configured.
func (p PubSubConfig) Enabled() bool {
	return p.Commands.SubscriptionID != "" || p.Events.TopicID != ""
}

// NewConfigDefaults returns the default configuration.
func NewConfigDefaults() *Config {
	return &Config{
		Logging: logging.NewConfigDefaults(),
		Server:  microservice.NewWorkerServerDefaults(),
		Caches:  updater.NewConfigDefaults(),
		Storage: StorageConfig{
			Backend: BackendBolt,
			Bolt:    cache.BoltConfig{Path: "data/contentsync.db"},
			Redis:   cache.RedisConfig{Addr: "localhost:6379", KeyPrefix: "contentsync"},
			Firestore: cache.FirestoreConfig{
				CollectionName: "contentsync-generations",
			},
		},
		Sources: SourcesConfig{
			HTTP: source.NewHTTPConfigDefaults(""),
		},
		Unpack: unpack.NewZipConfigDefaults(),
		Hub:    broadcast.NewHubDefaults(),
		Commands: CommandsConfig{
			QueueSize: 64,
			Streaming: messagepipeline.NewStreamingServiceDefaults(),
		},
		PubSub: PubSubConfig{
			Commands: messagepipeline.NewGooglePubsubConsumerDefaults(""),
			Events:   messagepipeline.NewGoogleSimplePublisherDefaults(""),
		},
		ContentLRUSize: 512,
	}
}

// Load reads configuration. path may be empty, in which case config.yaml is
// looked up in the working directory and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := NewConfigDefaults()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the worker cannot start without.
func (c *Config) Validate() error {
	if c.Sources.UpdateOrigin == "" {
		return errors.New("sources.update_origin is required")
	}
	if c.Sources.AppOrigin == "" {
		return errors.New("sources.app_origin is required")
	}
	if err := c.Caches.Validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendBolt, BackendRedis, BackendFirestore:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.PubSub.Enabled() && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id is required when pubsub is used")
	}
	return nil
}

// setDefaults registers every key with viper so environment variables can
// override keys that the config file does not mention.
func setDefaults(v *viper.Viper, c *Config) {
	defaults := map[string]any{
		"logging.level":        c.Logging.Level,
		"logging.format":       c.Logging.Format,
		"logging.file":         c.Logging.File,
		"logging.max_size_mb":  c.Logging.MaxSizeMB,
		"logging.max_backups":  c.Logging.MaxBackups,
		"logging.max_age_days": c.Logging.MaxAgeDays,

		"server.http_port":        c.Server.HTTPPort,
		"server.service_name":     c.Server.ServiceName,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"server.allowed_origins":  c.Server.AllowedOrigins,
		"server.max_command_size": c.Server.MaxCommandSize,

		"caches.asset_cache_name":   c.Caches.AssetCacheName,
		"caches.content_cache_name": c.Caches.ContentCacheName,

		"storage.backend":                   c.Storage.Backend,
		"storage.bolt.path":                 c.Storage.Bolt.Path,
		"storage.bolt.open_timeout":         c.Storage.Bolt.OpenTimeout,
		"storage.redis.addr":                c.Storage.Redis.Addr,
		"storage.redis.password":            c.Storage.Redis.Password,
		"storage.redis.db":                  c.Storage.Redis.DB,
		"storage.redis.key_prefix":          c.Storage.Redis.KeyPrefix,
		"storage.firestore.project_id":      c.Storage.Firestore.ProjectID,
		"storage.firestore.collection_name": c.Storage.Firestore.CollectionName,

		"sources.update_origin":               c.Sources.UpdateOrigin,
		"sources.app_origin":                  c.Sources.AppOrigin,
		"sources.http.timeout":                c.Sources.HTTP.Timeout,
		"sources.http.max_body_size":          c.Sources.HTTP.MaxBodySize,
		"sources.http.retry.max_retries":      c.Sources.HTTP.Retry.MaxRetries,
		"sources.http.retry.initial_interval": c.Sources.HTTP.Retry.InitialInterval,
		"sources.http.retry.max_interval":     c.Sources.HTTP.Retry.MaxInterval,

		"unpack.max_entry_size": c.Unpack.MaxEntrySize,
		"unpack.progress_step":  c.Unpack.ProgressStep,
		"unpack.batch_size":     c.Unpack.BatchSize,

		"hub.origin_patterns": c.Hub.OriginPatterns,
		"hub.write_timeout":   c.Hub.WriteTimeout,
		"hub.read_limit":      c.Hub.ReadLimit,

		"commands.queue_size":            c.Commands.QueueSize,
		"commands.streaming.num_workers": c.Commands.Streaming.NumWorkers,

		"pubsub.project_id":                        c.PubSub.ProjectID,
		"pubsub.credentials_file":                  c.PubSub.CredentialsFile,
		"pubsub.commands.subscription_id":          c.PubSub.Commands.SubscriptionID,
		"pubsub.commands.max_outstanding_messages": c.PubSub.Commands.MaxOutstandingMessages,
		"pubsub.commands.num_goroutines":           c.PubSub.Commands.NumGoroutines,
		"pubsub.events.topic_id":                   c.PubSub.Events.TopicID,
		"pubsub.events.result_timeout":             c.PubSub.Events.ResultTimeout,
		"pubsub.events.ordering_key":               c.PubSub.Events.OrderingKey,

		"content_lru_size": c.ContentLRUSize,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
