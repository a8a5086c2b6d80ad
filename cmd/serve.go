package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API and the delivery scheduler",
		Long: `Opens the configured stores, wires the scrape sources, and serves the
credential, account, and job API until SIGINT or SIGTERM. Pending deliveries
are retried at start-up and then on scheduler.drain_schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := stateFrom(cmd.Context())
			if err != nil {
				return err
			}
			svc, err := buildService(cmd.Context(), st.cfg, st.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if err := svc.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run server: %w", err)
			}
			st.logger.Info("serve command finished")
			return nil
		},
	}
}
