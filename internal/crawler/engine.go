package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/clock/system"
	"github.com/JakeFAU/polymath-crawler/internal/extract"
	"github.com/JakeFAU/polymath-crawler/internal/frontier"
	"github.com/JakeFAU/polymath-crawler/internal/id/uuid"
	"github.com/JakeFAU/polymath-crawler/internal/metrics"
	"github.com/JakeFAU/polymath-crawler/internal/robots"
)

// Engine builds crawl runs from a shared configuration. An Engine is safe for
// concurrent use; every Run owns its own frontier and robots cache.
type Engine struct {
	cfg       Config
	guard     *DomainGuard
	fetcher   Fetcher
	robots    RobotsSource
	hooks     *Hooks
	publisher Publisher
	pauser    pauseController
	ids       IDGenerator
	clock     Clock
	logger    *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithHooks sets the hook registry consulted around every fetch.
func WithHooks(h *Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithPublisher sets where newly discovered hosts are announced. Without a
// publisher, cross-host links are logged and dropped.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRobots overrides the robots.txt source.
func WithRobots(r RobotsSource) Option {
	return func(e *Engine) { e.robots = r }
}

// WithClock overrides the clock used to stamp pages.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator overrides the run ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func withPauser(p pauseController) Option {
	return func(e *Engine) { e.pauser = p }
}

// NewEngine validates cfg and assembles an Engine around fetcher.
func NewEngine(cfg Config, fetcher Fetcher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawler config: %w", err)
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	e := &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		pauser:  &timerPauseController{},
		ids:     uuid.New(),
		clock:   system.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hooks == nil {
		e.hooks = NewHooks(e.logger)
	}
	if e.robots == nil {
		e.robots = robots.NewGate(robots.Config{
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.Timeout,
		}, e.logger)
	}
	e.guard = NewDomainGuard(cfg.AllowedDomains, e.logger)
	return e, nil
}

// Hooks returns the engine's hook registry.
func (e *Engine) Hooks() *Hooks {
	return e.hooks
}

// Crawl starts a run rooted at rawURL and drives it to completion.
func (e *Engine) Crawl(ctx context.Context, rawURL string) (RunStats, error) {
	run, err := e.Begin(ctx, rawURL)
	if err != nil {
		return RunStats{}, err
	}
	err = run.Run(ctx)
	return run.Stats(), err
}

// Begin validates the root URL and prepares a Run without fetching anything.
// Before-hook denials and domain violations on the root are returned here so
// callers can reply before the crawl proceeds.
func (e *Engine) Begin(ctx context.Context, rawURL string) (*Run, error) {
	root, err := ParseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	if err := e.hooks.Before(ctx, root.String()); err != nil {
		metrics.ObserveHookFailure("before", 1)
		return nil, err
	}
	if !e.guard.Allowed(root.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDomain, root.Hostname())
	}
	rootKey, err := NormalizeURL(root.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	runID, err := e.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	logger := e.logger.With(zap.String("run_id", runID), zap.String("root", root.String()))
	cache, err := frontier.New(e.cfg.FrontierCapacity, frontier.WithEvictionCallback(func(key string, depth int) {
		logger.Debug("Frontier evicted URL", zap.String("url", key), zap.Int("depth", depth))
	}))
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	return &Run{
		ID:        runID,
		Root:      root,
		engine:    e,
		rootKey:   rootKey,
		frontier:  cache,
		policies:  make(map[string]robots.Policy),
		announced: make(map[string]struct{}),
		logger:    logger,
	}, nil
}

// RunStats summarizes a run.
type RunStats struct {
	Fetched      int
	Skipped      int
	Failed       int
	Rediscovered int
	Published    int
}

// Run is a single crawl rooted at one URL. It owns the frontier and the
// per-host robots policies and is driven by one goroutine.
type Run struct {
	ID   string
	Root *url.URL

	engine    *Engine
	rootKey   string
	frontier  *frontier.Cache
	policies  map[string]robots.Policy
	announced map[string]struct{}
	stats     RunStats
	started   bool
	logger    *zap.Logger
}

// frame is one page on the traversal stack whose links are being walked.
type frame struct {
	key   string
	url   *url.URL
	depth int
	links []string
	next  int
}

// Stats returns the counters collected so far.
func (r *Run) Stats() RunStats {
	return r.stats
}

// Run crawls the root and every same-host page reachable from it. It returns
// the root's network or parse failure, or the context error if ctx ends
// first. Skipped roots and failures on followed links are not errors.
func (r *Run) Run(ctx context.Context) error {
	if r.started {
		return errors.New("run already started")
	}
	r.started = true

	start := time.Now()
	r.logger.Info("Crawl run started", zap.Int("max_depth", r.engine.cfg.MaxDepth))
	err := r.crawl(ctx)
	metrics.ObserveRun(Kind(err))
	r.logger.Info("Crawl run finished",
		zap.Int("fetched", r.stats.Fetched),
		zap.Int("skipped", r.stats.Skipped),
		zap.Int("failed", r.stats.Failed),
		zap.Int("rediscovered", r.stats.Rediscovered),
		zap.Int("published", r.stats.Published),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return err
}

func (r *Run) crawl(ctx context.Context) error {
	links, err := r.visit(ctx, r.Root, r.rootKey, 0, true)
	if err != nil {
		r.record(r.Root, err)
		if IsSkip(err) {
			return nil
		}
		return err
	}

	stack := []*frame{{key: r.rootKey, url: r.Root, links: links}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		top := stack[len(stack)-1]
		depth := r.depthOf(top)
		if top.next >= len(top.links) || r.engine.cfg.depthExceeded(depth) {
			stack = stack[:len(stack)-1]
			continue
		}
		raw := top.links[top.next]
		top.next++
		if child := r.follow(ctx, top, depth, raw); child != nil {
			stack = append(stack, child)
		}
	}
	return nil
}

// depthOf returns the tracked depth of f, falling back to the depth it was
// visited at when the frontier has evicted it.
func (r *Run) depthOf(f *frame) int {
	if depth, ok := r.frontier.Get(f.key); ok {
		f.depth = depth
	}
	return f.depth
}

// follow handles one discovered link. It returns a frame when the link was a
// new same-host page that was fetched and extracted.
func (r *Run) follow(ctx context.Context, parent *frame, depth int, raw string) *frame {
	link, err := ParseTarget(raw)
	if err != nil {
		r.logger.Debug("Skipping unparsable link", zap.String("link", raw), zap.Error(err))
		return nil
	}
	if !sameHost(parent.url, link) {
		r.announce(ctx, link)
		return nil
	}

	key, err := NormalizeURL(link.String())
	if err != nil {
		r.logger.Debug("Skipping unnormalizable link", zap.String("link", raw), zap.Error(err))
		return nil
	}
	if prior, ok := r.frontier.Get(key); ok {
		r.frontier.Update(key, prior+1)
		r.stats.Rediscovered++
		metrics.ObserveRediscovery()
		return nil
	}
	if !extensionAllowed(link, r.engine.cfg.AllowedExtensions) {
		r.logger.Debug("Skipping link with disallowed extension", zap.String("link", raw))
		return nil
	}

	r.engine.pauser.Pause(ctx, r.policy(ctx, link).Delay())
	if ctx.Err() != nil {
		return nil
	}

	links, err := r.visit(ctx, link, key, depth+1, false)
	if err != nil {
		r.record(link, err)
		return nil
	}
	return &frame{key: key, url: link, depth: depth + 1, links: links}
}

// visit runs the per-URL pipeline up to frontier bookkeeping and returns the
// links found in the body. Root gating happens in Begin.
func (r *Run) visit(ctx context.Context, u *url.URL, key string, depth int, root bool) (links []string, err error) {
	raw := u.String()
	fetched := 0
	defer func() {
		metrics.ObservePage(raw, Kind(err), fetched)
	}()

	if !root {
		if err := r.engine.hooks.Before(ctx, raw); err != nil {
			metrics.ObserveHookFailure("before", 1)
			return nil, err
		}
		if !r.engine.guard.Allowed(u.Hostname()) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDomain, u.Hostname())
		}
	}

	policy := r.policy(ctx, u)
	if r.engine.cfg.RespectRobots && !policy.Allowed(r.engine.cfg.robotsAgent(), raw) {
		return nil, fmt.Errorf("%w: %s", ErrRobotsDisallowed, raw)
	}

	resp, err := r.engine.fetcher.Fetch(ctx, FetchRequest{URL: raw})
	if err != nil {
		return nil, err
	}
	fetched = len(resp.Body)

	body := string(resp.Body)
	doc, err := extract.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	page := Page{
		RunID:       r.ID,
		URL:         raw,
		Host:        u.Hostname(),
		Depth:       depth,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Headers.Get("Content-Type"),
		Title:       doc.Title(),
		Meta:        doc.MetaTags(),
		Body:        resp.Body,
		FetchedAt:   r.engine.clock.Now(),
	}
	metrics.ObserveHookFailure("after", r.engine.hooks.After(ctx, page))

	r.frontier.Put(key, depth)
	r.stats.Fetched++
	r.logger.Debug("Fetched page",
		zap.String("url", raw),
		zap.Int("depth", depth),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", resp.Duration),
	)
	return extract.FindAllLinks(body), nil
}

// policy returns the cached robots policy for u's host, fetching it on first
// use within the run.
func (r *Run) policy(ctx context.Context, u *url.URL) robots.Policy {
	if !r.engine.cfg.RespectRobots {
		return robots.DefaultPolicy()
	}
	host := strings.ToLower(u.Host)
	if p, ok := r.policies[host]; ok {
		return p
	}
	p := r.engine.robots.Fetch(ctx, &url.URL{Scheme: u.Scheme, Host: u.Host})
	r.policies[host] = p
	return p
}

// announce publishes the root of a cross-host link once per run.
func (r *Run) announce(ctx context.Context, link *url.URL) {
	host := HostRoot(link)
	if _, seen := r.announced[host]; seen {
		return
	}
	if !r.engine.guard.Allowed(link.Hostname()) {
		r.logger.Debug("Not announcing host outside allowed domains", zap.String("host", host))
		return
	}
	r.announced[host] = struct{}{}
	if r.engine.publisher == nil {
		r.logger.Debug("No publisher configured, dropping cross-host link", zap.String("host", host))
		return
	}
	if err := r.engine.publisher.Publish(ctx, host); err != nil {
		delete(r.announced, host)
		metrics.ObservePublish("error")
		r.logger.Warn("Failed to publish host", zap.String("host", host), zap.Error(err))
		return
	}
	r.stats.Published++
	metrics.ObservePublish("ok")
}

// record counts and logs a page that was skipped or failed.
func (r *Run) record(u *url.URL, err error) {
	fields := []zap.Field{zap.String("url", u.String()), zap.String("kind", Kind(err)), zap.Error(err)}
	switch {
	case IsSkip(err), errors.Is(err, ErrInvalidDomain):
		r.stats.Skipped++
		r.logger.Info("Skipping page", fields...)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.stats.Failed++
		r.logger.Debug("Page abandoned", fields...)
	default:
		r.stats.Failed++
		r.logger.Warn("Page failed", fields...)
	}
}
