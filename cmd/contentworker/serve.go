package main

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install assets, then serve clients and process commands until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		w, _, logger, logCloser, err := setup(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = logCloser.Close() }()

		if err := w.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Worker exited with error.")
			return err
		}
		return nil
	},
}
