// Package app builds the long-lived services of a polymath process from
// configuration and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/polymath-crawler/internal/api"
	"github.com/JakeFAU/polymath-crawler/internal/bus"
	kafkabus "github.com/JakeFAU/polymath-crawler/internal/bus/kafka"
	memorybus "github.com/JakeFAU/polymath-crawler/internal/bus/memory"
	pubsubbus "github.com/JakeFAU/polymath-crawler/internal/bus/pubsub"
	"github.com/JakeFAU/polymath-crawler/internal/config"
	"github.com/JakeFAU/polymath-crawler/internal/crawler"
	"github.com/JakeFAU/polymath-crawler/internal/dedup"
	memorydedup "github.com/JakeFAU/polymath-crawler/internal/dedup/memory"
	redisdedup "github.com/JakeFAU/polymath-crawler/internal/dedup/redis"
	"github.com/JakeFAU/polymath-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/polymath-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/polymath-crawler/internal/hash/sha256"
	"github.com/JakeFAU/polymath-crawler/internal/hooks/archive"
	"github.com/JakeFAU/polymath-crawler/internal/hooks/blocklist"
	"github.com/JakeFAU/polymath-crawler/internal/hooks/index"
	"github.com/JakeFAU/polymath-crawler/internal/metrics"
	"github.com/JakeFAU/polymath-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/polymath-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/polymath-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/polymath-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/polymath-crawler/internal/storage/memory"
	"github.com/JakeFAU/polymath-crawler/internal/telemetry"
)

// Mode selects which services a process needs.
type Mode int

const (
	// ModeCrawl runs a single crawl and exits. No consumer is started, so
	// the in-process bus is replaced by one that drops announcements.
	ModeCrawl Mode = iota
	// ModeServe runs the HTTP front end and the dispatch consumer.
	ModeServe
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	mode   Mode
	logger *zap.Logger

	engine   *crawler.Engine
	bus      bus.Bus
	seen     dedup.Store
	index    *index.Index
	blobs    storage.BlobStore
	tracer   *trace.TracerProvider
	closers  []namedCloser
	fetcher  crawler.Fetcher
	apiSrv   *api.Server
	consumer *dispatcher.Consumer
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Option customizes Build, mostly for tests.
type Option func(*App)

// WithFetcher replaces the colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithBus replaces the configured bus driver.
func WithBus(b bus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithBlobStore replaces the configured archive store.
func WithBlobStore(s storage.BlobStore) Option {
	return func(a *App) { a.blobs = s }
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, mode Mode, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, mode: mode, logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.build(ctx); err != nil {
		if cerr := a.Close(context.Background()); cerr != nil {
			logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, "polymath", crawler.Version)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp
	a.onClose("tracer", tp.Shutdown)

	if err := a.setupBus(ctx); err != nil {
		return err
	}
	hooks, err := a.setupHooks(ctx)
	if err != nil {
		return err
	}

	ccfg := a.cfg.ToCrawler()
	if a.fetcher == nil {
		a.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:       ccfg.UserAgent,
			Headers:         ccfg.Headers,
			Timeout:         ccfg.Timeout,
			FollowRedirects: ccfg.FollowRedirects,
			RetryCount:      ccfg.RetryCount,
			RetryAfter:      ccfg.RetryAfter,
			Limiter:         a.hostLimiter(),
		}, a.logger.Named("fetcher"))
		a.logger.Info("using colly fetcher", zap.String("user_agent", ccfg.UserAgent))
	}
	a.engine, err = crawler.NewEngine(ccfg, a.fetcher,
		crawler.WithHooks(hooks),
		crawler.WithPublisher(a.bus),
		crawler.WithLogger(a.logger.Named("crawler")),
	)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}

	if a.mode != ModeServe {
		return nil
	}
	if err := a.setupDedup(ctx); err != nil {
		return err
	}
	a.apiSrv = api.NewServer(a.engine, api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger.Named("api"))
	if a.cfg.Dispatch.Enabled {
		a.consumer = dispatcher.New(a.bus, a.seen, a.engine, dispatcher.Config{
			Concurrency:   a.cfg.Dispatch.Concurrency,
			RunsPerSecond: a.cfg.Dispatch.RunsPerSecond,
			Burst:         a.cfg.Dispatch.Burst,
			RunTimeout:    a.cfg.Dispatch.RunTimeout,
		}, a.logger.Named("dispatcher"))
	}
	return nil
}

// hostLimiter returns the shared per-host limiter, or nil when disabled so
// the fetcher sees a nil interface.
func (a *App) hostLimiter() collyfetcher.Limiter {
	l := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.Crawler.HostRPS,
		Burst:             a.cfg.Crawler.HostBurst,
	})
	if l == nil {
		return nil
	}
	a.logger.Info("per-host rate limit enabled", zap.Float64("rps", a.cfg.Crawler.HostRPS))
	return l
}

func (a *App) setupBus(ctx context.Context) error {
	if a.bus != nil {
		return nil
	}
	bcfg := a.cfg.Bus
	switch bcfg.Driver {
	case config.BusPubSub:
		b, err := pubsubbus.Dial(ctx, pubsubbus.Config{
			ProjectID:       bcfg.PubSub.ProjectID,
			TopicID:         bcfg.Topic,
			SubscriptionID:  a.subscriptionFor(bcfg.PubSub.Subscription),
			CreateIfMissing: bcfg.PubSub.CreateIfMissing,
		}, a.logger.Named("bus"))
		if err != nil {
			return fmt.Errorf("pubsub bus init failed: %w", err)
		}
		a.bus = b
		a.logger.Info("using Pub/Sub bus",
			zap.String("project", bcfg.PubSub.ProjectID),
			zap.String("topic", bcfg.Topic),
		)
	case config.BusKafka:
		b, err := kafkabus.New(kafkabus.Config{
			Brokers: bcfg.Kafka.Brokers,
			Topic:   bcfg.Topic,
			GroupID: a.subscriptionFor(bcfg.Kafka.GroupID),
		}, a.logger.Named("bus"))
		if err != nil {
			return fmt.Errorf("kafka bus init failed: %w", err)
		}
		a.bus = b
		a.logger.Info("using Kafka bus", zap.Strings("brokers", bcfg.Kafka.Brokers), zap.String("topic", bcfg.Topic))
	default:
		if a.mode == ModeCrawl {
			a.logger.Info("no consumer in crawl mode, cross-host announcements are dropped")
			a.bus = bus.NoOp{}
			return nil
		}
		a.bus = memorybus.New(bcfg.Memory.Buffer, a.logger.Named("bus"))
		a.logger.Info("using in-memory bus", zap.Int("buffer", bcfg.Memory.Buffer))
	}
	a.onClose("bus", func(context.Context) error { return a.bus.Close() })
	return nil
}

// subscriptionFor returns the consumer identity only when this process
// consumes.
func (a *App) subscriptionFor(name string) string {
	if a.mode != ModeServe || !a.cfg.Dispatch.Enabled {
		return ""
	}
	return name
}

func (a *App) setupDedup(ctx context.Context) error {
	switch a.cfg.Dedup.Driver {
	case config.DedupRedis:
		rcfg := a.cfg.Dedup.Redis
		store, err := redisdedup.New(ctx, redisdedup.Config{
			Addr:     rcfg.Addr,
			Password: rcfg.Password,
			DB:       rcfg.DB,
			Prefix:   rcfg.Prefix,
			TTL:      rcfg.TTL,
		})
		if err != nil {
			return fmt.Errorf("redis dedup init failed: %w", err)
		}
		a.seen = store
		a.logger.Info("using Redis dedup store", zap.String("addr", rcfg.Addr), zap.Duration("ttl", rcfg.TTL))
	default:
		a.seen = memorydedup.New()
		a.logger.Info("using in-memory dedup store")
	}
	a.onClose("dedup", func(context.Context) error { return a.seen.Close() })
	return nil
}

func (a *App) setupHooks(ctx context.Context) (*crawler.Hooks, error) {
	hooks := crawler.NewHooks(a.logger.Named("hooks"))

	if h := blocklist.New(a.cfg.Crawler.BlockedDomains); h != nil {
		hooks.Register(h)
		a.logger.Info("blocklist hook registered", zap.Int("patterns", len(a.cfg.Crawler.BlockedDomains)))
	}

	if a.cfg.Index.Enabled {
		ix, err := index.New(ctx, index.Config{
			DSN:      a.cfg.Index.DSN,
			Table:    a.cfg.Index.Table,
			MaxConns: a.cfg.Index.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("page index init failed: %w", err)
		}
		a.index = ix
		a.onClose("index", func(context.Context) error {
			ix.Close()
			return nil
		})
		if err := ix.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("page index migrate failed: %w", err)
		}
		hooks.Register(ix)
		a.logger.Info("page index hook registered", zap.String("table", a.cfg.Index.Table))
	}

	store, err := a.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		hooks.Register(archive.New(store, sha256.New(), a.logger.Named("archive")))
		a.logger.Info("archive hook registered", zap.String("driver", a.cfg.Archive.Driver))
	}
	return hooks, nil
}

func (a *App) setupBlobStore(ctx context.Context) (storage.BlobStore, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	acfg := a.cfg.Archive
	switch acfg.Driver {
	case config.ArchiveGCS:
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: acfg.Bucket, Prefix: acfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return store.Close() })
		a.blobs = store
	case config.ArchiveLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: acfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
	case config.ArchiveMemory:
		a.blobs = memorystorage.NewBlobStore()
	default:
		return nil, nil
	}
	return a.blobs, nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Engine returns the crawl engine.
func (a *App) Engine() *crawler.Engine {
	return a.engine
}

// Crawl runs one crawl rooted at rawURL.
func (a *App) Crawl(ctx context.Context, rawURL string) (crawler.RunStats, error) {
	stats, err := a.engine.Crawl(ctx, rawURL)
	if err != nil {
		return stats, fmt.Errorf("crawl %s: %w", rawURL, err)
	}
	return stats, nil
}

// Serve runs the HTTP front end and the dispatch consumer until ctx ends,
// then shuts both down.
func (a *App) Serve(ctx context.Context) error {
	if a.mode != ModeServe {
		return errors.New("app was not built for serving")
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := a.apiSrv.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases every opened service in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
