package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/leadscout/internal/credentials"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/server"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Provisions and removes accounts",
	}
	cmd.AddCommand(newAccountsProvisionCmd(), newAccountsRemoveCmd(), newAccountsShowCmd(), newAccountsListCmd())
	return cmd
}

func newAccountsProvisionCmd() *cobra.Command {
	var tier, language string
	cmd := &cobra.Command{
		Use:   "provision ACCOUNT_ID",
		Short: "Creates an account and allocates its keys from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := harvest.Tier(tier)
			if !t.Valid() {
				return &harvest.ValidationError{Field: "tier", Reason: fmt.Sprintf("%q is not one of trial, paid", tier)}
			}
			return withStores(cmd, func(_ *state, stores *server.Stores) error {
				acct, err := stores.Accounts.Provision(cmd.Context(), args[0], t, language)
				if err != nil {
					return err
				}
				printAccount(cmd.OutOrStdout(), acct)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", string(harvest.TierTrial), "account tier: trial or paid")
	cmd.Flags().StringVar(&language, "language", "", "preferred language for notifications")
	return cmd
}

func newAccountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove ACCOUNT_ID",
		Short: "Deletes an account and returns its keys to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(_ *state, stores *server.Stores) error {
				if err := stores.Accounts.Remove(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed account %s\n", args[0])
				return nil
			})
		},
	}
}

func newAccountsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ACCOUNT_ID",
		Short: "Prints an account with its keys masked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(_ *state, stores *server.Stores) error {
				acct, err := stores.Accounts.Get(args[0])
				if err != nil {
					return err
				}
				printAccount(cmd.OutOrStdout(), acct)
				return nil
			})
		},
	}
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStores(cmd, func(st *state, stores *server.Stores) error {
				loc, err := st.cfg.Location()
				if err != nil {
					return err
				}
				now := stores.Clock.Now()
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"ID", "Tier", "Jobs Today", "Created"})
				for _, acct := range stores.Accounts.List() {
					t.AppendRow(table.Row{acct.ID, acct.Tier, acct.DailyQuota.UsedOn(now, loc), acct.CreatedAt.Format("2006-01-02")})
				}
				t.Render()
				return nil
			})
		},
	}
}

func printAccount(w io.Writer, acct harvest.Account) {
	fmt.Fprintf(w, "id: %s\n", acct.ID)
	fmt.Fprintf(w, "tier: %s\n", acct.Tier)
	if acct.Language != "" {
		fmt.Fprintf(w, "language: %s\n", acct.Language)
	}
	fmt.Fprintf(w, "search keys: %s\n", maskAll(acct.AssignedSearchKeys))
	fmt.Fprintf(w, "ai keys: %s\n", maskAll(acct.AssignedAIKeys))
	if acct.DailyQuota.Date != "" {
		fmt.Fprintf(w, "jobs on %s: %d\n", acct.DailyQuota.Date, acct.DailyQuota.Used)
	}
}

func maskAll(keys []string) string {
	masked := make([]string, len(keys))
	for i, k := range keys {
		masked[i] = credentials.Mask(k)
	}
	return strings.Join(masked, ", ")
}
