package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/leadscout/internal/credentials"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/server"
)

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manages the shared credential pool",
	}
	cmd.AddCommand(newPoolAddCmd(), newPoolListCmd(), newPoolRemoveCmd(), newPoolStatsCmd())
	return cmd
}

func parseClass(name string) (harvest.CredentialClass, error) {
	class := harvest.CredentialClass(name)
	if !class.Valid() {
		return "", &harvest.ValidationError{Field: "class", Reason: fmt.Sprintf("%q is not one of search, ai", name)}
	}
	return class, nil
}

func newPoolAddCmd() *cobra.Command {
	var className, addedBy string
	cmd := &cobra.Command{
		Use:   "add KEY...",
		Short: "Adds keys to the pool as available",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, err := parseClass(className)
			if err != nil {
				return err
			}
			return withStores(cmd, func(_ *state, stores *server.Stores) error {
				for _, key := range args {
					if err := stores.Pool.Add(cmd.Context(), class, key, addedBy); err != nil {
						return fmt.Errorf("add %s: %w", credentials.Mask(key), err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "added %s key %s\n", class, credentials.Mask(key))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&className, "class", string(harvest.ClassSearch), "credential class: search or ai")
	cmd.Flags().StringVar(&addedBy, "added-by", "cli", "operator recorded on the new keys")
	return cmd
}

func newPoolListCmd() *cobra.Command {
	var className string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists pool keys, masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			classes := harvest.Classes
			if className != "" {
				class, err := parseClass(className)
				if err != nil {
					return err
				}
				classes = []harvest.CredentialClass{class}
			}
			return withStores(cmd, func(_ *state, stores *server.Stores) error {
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"Class", "Key", "Status", "Assigned To", "Added By"})
				for _, class := range classes {
					for _, rec := range stores.Pool.List(class) {
						owner := "-"
						if rec.AssignedTo != nil {
							owner = *rec.AssignedTo
						}
						t.AppendRow(table.Row{rec.Class, credentials.Mask(rec.Key), rec.Status, owner, rec.AddedBy})
					}
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&className, "class", "", "only list this class")
	return cmd
}

func newPoolRemoveCmd() *cobra.Command {
	var className string
	cmd := &cobra.Command{
		Use:   "remove KEY",
		Short: "Removes an unassigned key from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, err := parseClass(className)
			if err != nil {
				return err
			}
			return withStores(cmd, func(_ *state, stores *server.Stores) error {
				if err := stores.Pool.Remove(cmd.Context(), class, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s key %s\n", class, credentials.Mask(args[0]))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&className, "class", string(harvest.ClassSearch), "credential class: search or ai")
	return cmd
}

func newPoolStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Prints available and assigned counts per class",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStores(cmd, func(_ *state, stores *server.Stores) error {
				stats := stores.Pool.Stats()
				for _, class := range harvest.Classes {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: available=%d assigned=%d\n",
						class, stats.Available[class], stats.Assigned[class])
				}
				return nil
			})
		},
	}
}
