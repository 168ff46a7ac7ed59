package main

import (
	"context"

	"github.com/spf13/cobra"
)

// seedCmd pre-populates the asset cache and prunes stale generations
// without serving, e.g. from an init container.
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Install assets and prune stale cache generations, then exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		w, cfg, logger, logCloser, err := setup(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = logCloser.Close() }()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			if err := w.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Error releasing worker resources.")
			}
		}()

		if err := w.Install(ctx); err != nil {
			return err
		}
		purged, err := w.Activate(ctx)
		if err != nil {
			return err
		}
		logger.Info().Strs("purged", purged).Msg("Seed complete.")
		return nil
	},
}
