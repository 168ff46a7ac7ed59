package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-contentsync/pkg/config"
	"github.com/illmade-knight/go-contentsync/pkg/logging"
	"github.com/illmade-knight/go-contentsync/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "contentworker",
		Short:         "Offline content cache worker",
		Long:          "Keeps a local content cache in step with published content packages and tells attached clients about it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default ./config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides logging.level")
	rootCmd.AddCommand(serveCmd, seedCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads config, initialises logging and builds the worker. The
// returned closer flushes the log file.
func setup(ctx context.Context) (*worker.Worker, *config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, zerolog.Nop(), nil, fmt.Errorf("invalid config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, logCloser, err := logging.New(cfg.Logging, cfg.Server.ServiceName)
	if err != nil {
		return nil, nil, zerolog.Nop(), nil, fmt.Errorf("failed to initialize log: %w", err)
	}

	w, err := worker.New(ctx, cfg, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, zerolog.Nop(), nil, fmt.Errorf("failed to build worker: %w", err)
	}
	return w, cfg, logger, logCloser, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
