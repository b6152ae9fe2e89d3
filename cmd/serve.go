package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/app"
)

// newServeCmd creates the 'serve' subcommand: the HTTP front end plus the
// dispatch consumer.
func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl API and the dispatch consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := buildApp(ctx, root.cfg, app.ModeServe, root.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				if cerr := a.Close(context.Background()); cerr != nil {
					root.logger.Warn("close failed", zap.Error(cerr))
				}
			}()

			root.logger.Info("polymath serving", zap.Int("port", root.cfg.Server.Port))
			if err := a.Serve(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}
