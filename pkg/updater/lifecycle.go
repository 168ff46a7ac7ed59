package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/illmade-knight/go-contentsync/pkg/cache"
	"github.com/illmade-knight/go-contentsync/pkg/source"
	"github.com/rs/zerolog"
)

// ManifestPath is where the application origin lists its build assets.
const ManifestPath = "/asset-manifest.json"

// Manifest is the asset manifest of one application build.
type Manifest struct {
	Files map[string]string `json:"files"`
}

// Assets returns the distinct asset URLs listed in the manifest, sorted.
func (m Manifest) Assets() []string {
	assets := make([]string, 0, len(m.Files))
	for _, url := range m.Files {
		if url != "" {
			assets = append(assets, url)
		}
	}
	slices.Sort(assets)
	return slices.Compact(assets)
}

// Claimer takes control of attached clients.
type Claimer interface {
	Claim(ctx context.Context) int
}

// Lifecycle seeds the asset generation when the worker is installed and
// reclaims stale generations when it is activated.
type Lifecycle struct {
	cfg     Config
	storage cache.Storage
	app     source.Source
	claimer Claimer
	logger  zerolog.Logger
}

// NewLifecycle creates a lifecycle controller. app is the application
// origin serving the manifest and assets. claimer may be nil.
func NewLifecycle(cfg Config, storage cache.Storage, app source.Source, claimer Claimer, logger zerolog.Logger) (*Lifecycle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if storage == nil || app == nil {
		return nil, errors.New("storage and application source are required")
	}
	return &Lifecycle{
		cfg:     cfg,
		storage: storage,
		app:     app,
		claimer: claimer,
		logger:  logger.With().Str("component", "Lifecycle").Logger(),
	}, nil
}

// Install fetches the asset manifest and every asset it lists, then stores
// them in the asset generation. Any fetch failure aborts the install before
// an entry is written.
func (l *Lifecycle) Install(ctx context.Context) error {
	obj, err := l.app.Fetch(ctx, ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to fetch asset manifest: %w", err)
	}

	var manifest Manifest
	if len(obj.Body) > 0 {
		// A "null" manifest decodes to no files.
		if err := json.Unmarshal(obj.Body, &manifest); err != nil {
			return fmt.Errorf("failed to decode asset manifest: %w", err)
		}
	}
	assets := manifest.Assets()

	assetCache, err := l.storage.Open(ctx, l.cfg.AssetCacheName)
	if err != nil {
		return fmt.Errorf("failed to open asset cache %s: %w", l.cfg.AssetCacheName, err)
	}
	if err := cache.AddAll(ctx, assetCache, source.NewEntryFetcher(l.app), assets); err != nil {
		return fmt.Errorf("failed to seed asset cache: %w", err)
	}

	l.logger.Info().Str("cache", l.cfg.AssetCacheName).Int("assets", len(assets)).Msg("Installed application assets.")
	return nil
}

// Activate claims every attached client, then deletes every generation
// other than the configured asset and content generations. It returns the
// names it deleted.
func (l *Lifecycle) Activate(ctx context.Context) ([]string, error) {
	if l.claimer != nil {
		l.claimer.Claim(ctx)
	}

	names, err := l.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache generations: %w", err)
	}

	var purged []string
	for _, name := range names {
		if name == l.cfg.AssetCacheName || name == l.cfg.ContentCacheName {
			continue
		}
		if _, err := l.storage.Delete(ctx, name); err != nil {
			return purged, fmt.Errorf("failed to delete stale cache %s: %w", name, err)
		}
		purged = append(purged, name)
	}

	l.logger.Info().Strs("purged", purged).Msg("Activated.")
	return purged, nil
}
