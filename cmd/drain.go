package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/leadscout/internal/server"
)

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Retries every pending artifact delivery once",
		Long: `Runs a single pass over the pending delivery queue with the configured
delivery backend. Entries whose artifact no longer exists are discarded; failed
entries stay queued for the next pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStores(cmd, func(st *state, stores *server.Stores) error {
				report, err := drainPending(cmd.Context(), st.cfg, stores, st.logger)
				fmt.Fprintf(cmd.OutOrStdout(), "delivered=%d discarded=%d failed=%d\n",
					report.Delivered, report.Discarded, report.Failed)
				return err
			})
		},
	}
}
