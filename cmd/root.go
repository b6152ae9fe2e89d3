// Package cmd defines and implements the CLI commands for the polymath executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/app"
	"github.com/JakeFAU/polymath-crawler/internal/config"
	"github.com/JakeFAU/polymath-crawler/internal/crawler"
	"github.com/JakeFAU/polymath-crawler/internal/logging"
)

// buildApp is the application factory. Tests replace it to inject fakes.
var buildApp = app.Build

// rootOptions carries state shared by every subcommand once the persistent
// pre-run hook has loaded it.
type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:     "polymath",
		Short:   "A polite, depth-bounded, distributed web crawler.",
		Version: crawler.Version,
		Long: `polymath crawls a site depth-first up to a configured depth, honours
robots.txt and crawl-delay, and hands every newly discovered host to the
dispatch bus so other workers can crawl it.`,
		SilenceUsage: true,

		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = logging.Sync(opts.logger)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newServeCmd(opts))
	return cmd
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
