package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/app"
	"github.com/JakeFAU/polymath-crawler/internal/config"
)

// MaxDepthLimit bounds --max-depth.
const MaxDepthLimit = 100

type crawlOptions struct {
	maxDepth  int
	robotsTxt bool
	path      string
}

// newCrawlCmd creates the 'crawl' subcommand, a one-shot crawl of one site.
func newCrawlCmd(root *rootOptions) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Start crawling a website",
		Long: `Crawls the site rooted at <url> depth-first. Hosts discovered along the
way are announced on the dispatch bus when a networked bus is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().IntVarP(&opts.maxDepth, "max-depth", "m", 1, "maximum link depth from the root (0 = unbounded)")
	cmd.Flags().BoolVar(&opts.robotsTxt, "robots-txt", true, "whether the crawler follows /robots.txt")
	cmd.Flags().StringVarP(&opts.path, "path", "p", "", "directory for saving page content; nothing is saved if unset")
	return cmd
}

func (o *crawlOptions) validate() error {
	if o.maxDepth < 0 || o.maxDepth > MaxDepthLimit {
		return fmt.Errorf("invalid value %d for --max-depth: value must be between 0 and %d", o.maxDepth, MaxDepthLimit)
	}
	return nil
}

func (o *crawlOptions) apply(cfg *config.Config) {
	cfg.Crawler.MaxDepth = o.maxDepth
	cfg.Crawler.RespectRobots = o.robotsTxt
	if o.path != "" {
		cfg.Archive.Driver = config.ArchiveLocal
		cfg.Archive.BaseDir = o.path
	}
}

func runCrawl(cmd *cobra.Command, root *rootOptions, opts *crawlOptions, target string) error {
	if err := opts.validate(); err != nil {
		return err
	}
	cfg := root.cfg
	opts.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Crawling %s with a maximum depth of %d.\n", target, opts.maxDepth)
	if opts.path != "" {
		fmt.Fprintf(out, "Saving pages to %s\n", opts.path)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := buildApp(ctx, cfg, app.ModeCrawl, root.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			root.logger.Warn("close failed", zap.Error(cerr))
		}
	}()

	stats, err := a.Crawl(ctx, target)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintf(out, "Fetched %d, skipped %d, failed %d, rediscovered %d, announced %d hosts.\n",
		stats.Fetched, stats.Skipped, stats.Failed, stats.Rediscovered, stats.Published)
	return nil
}
