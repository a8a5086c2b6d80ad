// Package cmd defines the leadscout command line: the API server and the
// credential, account, and delivery administration commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/config"
	"github.com/JakeFAU/leadscout/internal/logging"
	"github.com/JakeFAU/leadscout/internal/server"
)

// stateKey stores the loaded configuration and logger in the command context.
type stateKey struct{}

type state struct {
	cfg    *config.Config
	logger *zap.Logger
}

// Service is what serve runs. It's an interface so tests can swap the builder.
type Service interface {
	Run(ctx context.Context) error
}

// Factories are variables so tests can replace them.
var (
	buildService = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Service, error) {
		return server.BuildWithLogger(ctx, cfg, logger, prometheus.DefaultRegisterer)
	}
	openStores   = server.OpenStores
	drainPending = server.DrainPending
)

func newRootCmd() *cobra.Command {
	var cfgFile, envFile string
	cmd := &cobra.Command{
		Use:   "leadscout",
		Short: "Lead scraping service with a shared API credential pool.",
		Long: `leadscout runs scrape jobs for provisioned accounts, each drawing on
search and AI keys allocated from a shared credential pool. The serve command
starts the HTTP API; the remaining commands administer the pool, the accounts,
and the pending delivery queue directly against the configured store.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), stateKey{}, &state{cfg: &cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if st, err := stateFrom(cmd.Context()); err == nil {
				_ = st.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON, or TOML); env LEADSCOUT_* overrides")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config; ignored when missing")

	cmd.AddCommand(newServeCmd(), newPoolCmd(), newAccountsCmd(), newDrainCmd())
	return cmd
}

// loadEnv reads path into the process environment without overriding
// variables that are already set.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func stateFrom(ctx context.Context) (*state, error) {
	st, ok := ctx.Value(stateKey{}).(*state)
	if !ok || st == nil {
		return nil, errors.New("configuration was not loaded")
	}
	return st, nil
}

// withStores opens the configured stores for the duration of fn.
func withStores(cmd *cobra.Command, fn func(st *state, stores *server.Stores) error) error {
	st, err := stateFrom(cmd.Context())
	if err != nil {
		return err
	}
	stores, err := openStores(cmd.Context(), st.cfg, st.logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	return fn(st, stores)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
