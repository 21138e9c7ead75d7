// Package cmd defines the CLI commands for the crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kidsearch/crawler/internal/app"
	"github.com/kidsearch/crawler/internal/config"
	"github.com/kidsearch/crawler/internal/logging"
)

// appKeyType keys the App instance stored in the command context.
type appKeyType string

const appKey appKeyType = "app"

// newRootCmd builds the command tree. The application container is built in
// PersistentPreRunE so every subcommand finds it in the context, and torn
// down again in PersistentPostRun.
func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "An incremental crawler feeding a curated search index",
		Long: `crawler walks a configured registry of sites, extracts the readable
content of each page, and upserts it into the search index. Unchanged pages
are skipped via a fingerprint cache, interrupted runs resume from persisted
state, and embeddings are dispatched asynchronously when enabled.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				// A fresh context: the run context may already be canceled.
				if err := a.Close(context.Background()); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "shutdown:", err)
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus CRAWLER_* environment when empty)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newCacheCmd())

	return cmd
}

// resolveApp fetches the container placed in the context by the root hook.
func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
