// Package dispatcher turns hosts received from the bus into crawl runs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/polymath-crawler/internal/bus"
	"github.com/JakeFAU/polymath-crawler/internal/crawler"
	"github.com/JakeFAU/polymath-crawler/internal/dedup"
	"github.com/JakeFAU/polymath-crawler/internal/metrics"
)

const tracerName = "github.com/JakeFAU/polymath-crawler/internal/dispatcher"

// Crawler starts and completes one run rooted at a URL.
type Crawler interface {
	Crawl(ctx context.Context, rawURL string) (crawler.RunStats, error)
}

// Config bounds how fast and how many runs the consumer starts.
type Config struct {
	// Concurrency caps simultaneous runs. Zero means unbounded.
	Concurrency int
	// RunsPerSecond throttles run starts. Zero means unthrottled.
	RunsPerSecond float64
	Burst         int
	// RunTimeout bounds a single run. Zero means no limit.
	RunTimeout time.Duration
}

// Consumer subscribes to the bus, drops hosts it has already seen and crawls
// the rest in the background.
type Consumer struct {
	sub     bus.Subscriber
	seen    dedup.Store
	crawler Crawler
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger
}

// New creates a Consumer.
func New(sub bus.Subscriber, seen dedup.Store, c Crawler, cfg Config, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(cfg.RunsPerSecond)
	if cfg.RunsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Consumer{
		sub:     sub,
		seen:    seen,
		crawler: c,
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		logger:  logger,
	}
}

// Run consumes until ctx ends, then waits for in-flight runs to finish.
// Admitted hosts wait for a run slot off the delivery loop, so runs that
// publish back into the same bus never stall its drain.
func (c *Consumer) Run(ctx context.Context) error {
	var (
		runs  errgroup.Group
		slots *semaphore.Weighted
	)
	if c.cfg.Concurrency > 0 {
		slots = semaphore.NewWeighted(int64(c.cfg.Concurrency))
	}

	c.logger.Info("Dispatch consumer started", zap.Int("concurrency", c.cfg.Concurrency))
	err := c.sub.Subscribe(ctx, func(msgCtx context.Context, host string) error {
		root, start, err := c.admit(msgCtx, host)
		if err != nil || !start {
			return err
		}
		link := trace.LinkFromContext(msgCtx)
		runs.Go(func() error {
			if slots != nil {
				if err := slots.Acquire(ctx, 1); err != nil {
					c.logger.Warn("Dropping admitted host on shutdown", zap.String("root", root), zap.Error(err))
					return nil
				}
				defer slots.Release(1)
			}
			c.crawl(ctx, root, link)
			return nil
		})
		return nil
	})
	_ = runs.Wait()
	c.logger.Info("Dispatch consumer stopped", zap.Error(err))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// admit normalizes host, dedups it and waits for the start limiter. It
// returns the root URL to crawl and whether a run should start. An error
// asks the bus to redeliver the message.
func (c *Consumer) admit(ctx context.Context, host string) (string, bool, error) {
	root, err := RootURL(host)
	if err != nil {
		metrics.ObserveReceive("invalid")
		c.logger.Warn("Ignoring invalid dispatch message", zap.String("host", host), zap.Error(err))
		return "", false, nil
	}

	fresh, err := c.seen.MarkIfNew(ctx, root)
	if err != nil {
		metrics.ObserveReceive("error")
		return "", false, fmt.Errorf("dedup %s: %w", root, err)
	}
	if !fresh {
		metrics.ObserveReceive("duplicate")
		c.logger.Debug("Skipping already dispatched host", zap.String("root", root))
		return "", false, nil
	}

	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return "", false, fmt.Errorf("rate limit wait: %w", err)
	}
	metrics.ObserveThrottle(time.Since(start))
	metrics.ObserveReceive("accepted")
	return root, true, nil
}

// crawl runs outside the message context so acking does not cancel it; the
// span links back to the publisher's trace instead.
func (c *Consumer) crawl(ctx context.Context, root string, link trace.Link) {
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch.crawl",
		trace.WithLinks(link),
		trace.WithAttributes(attribute.String("crawl.root", root)),
	)
	defer span.End()

	if c.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancel()
	}

	stats, err := c.crawler.Crawl(ctx, root)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, crawler.Kind(err))
		level := c.logger.Warn
		if errors.Is(err, context.Canceled) {
			level = c.logger.Debug
		}
		level("Dispatched crawl failed", zap.String("root", root), zap.String("kind", crawler.Kind(err)), zap.Error(err))
		return
	}
	span.SetAttributes(attribute.Int("crawl.fetched", stats.Fetched))
	c.logger.Info("Dispatched crawl finished",
		zap.String("root", root),
		zap.Int("fetched", stats.Fetched),
		zap.Int("published", stats.Published),
	)
}

// RootURL turns a dispatch payload into the URL a run starts from. A bare
// host gets an https scheme; anything past the host is dropped.
func RootURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("%w: empty host", crawler.ErrInvalidURL)
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := crawler.ParseTarget(host)
	if err != nil {
		return "", err
	}
	return crawler.HostRoot(u), nil
}
