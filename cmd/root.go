// Package cmd defines and implements the CLI commands for the blaulicht-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/app"
	"github.com/JakeFAU/blaulicht-crawler/internal/config"
	"github.com/JakeFAU/blaulicht-crawler/internal/logging"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what PersistentPreRunE prepared for the subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the application factory. It's a variable so tests can inject
// in-memory backends.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...app.Option) (*app.App, error) {
	return app.New(ctx, cfg, logger, opts...)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "blaulicht-crawler",
		Short: "Crawls police press releases into a monthly partitioned archive.",
		Long: `blaulicht-crawler discovers police press releases through the portal's
sitemaps, extracts and classifies each article, optionally geocodes the
incident location and merges the results into one archive file per region
and month.`,
		SilenceUsage: true,

		// Config and logging are ready before any subcommand runs; the services
		// themselves are built per command because flags override config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults and BLAULICHT_* env vars apply without one")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newReorganizeCmd())
	cmd.AddCommand(newDiscoverCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. Interrupts cancel in-flight work; the
// process still writes completed output before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
