package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/robots"
)

type fakePage struct {
	status int
	body   string
	err    error
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]fakePage
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	page, ok := f.pages[req.URL]
	if !ok {
		return FetchResponse{}, fmt.Errorf("%w: no route to %s", ErrNetwork, req.URL)
	}
	if page.err != nil {
		return FetchResponse{}, page.err
	}
	status := page.status
	if status == 0 {
		status = 200
	}
	resp := FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(page.body)}
	if !StatusAccepted(status) {
		return resp, fmt.Errorf("%w: %d", ErrStatusRejected, status)
	}
	return resp, nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeRobots struct {
	policies map[string]robots.Policy
	calls    map[string]int
}

func (r *fakeRobots) Fetch(_ context.Context, root *url.URL) robots.Policy {
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[root.Host]++
	if p, ok := r.policies[root.Host]; ok {
		return p
	}
	return robots.DefaultPolicy()
}

type fakePublisher struct {
	hosts    []string
	attempts int
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, host string) error {
	p.attempts++
	if p.err != nil {
		return p.err
	}
	p.hosts = append(p.hosts, host)
	return nil
}

type recordingPauser struct {
	delays []time.Duration
}

func (p *recordingPauser) Pause(_ context.Context, delay time.Duration) {
	p.delays = append(p.delays, delay)
}

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func page(title string, links ...string) fakePage {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body>", title)
	for _, link := range links {
		fmt.Fprintf(&b, `<a href="%s">link</a>`, link)
	}
	b.WriteString("</body></html>")
	return fakePage{body: b.String()}
}

type engineFixture struct {
	engine    *Engine
	fetcher   *fakeFetcher
	robots    *fakeRobots
	publisher *fakePublisher
	pauser    *recordingPauser
}

func newFixture(t *testing.T, cfg Config, pages map[string]fakePage, opts ...Option) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		fetcher:   &fakeFetcher{pages: pages},
		robots:    &fakeRobots{policies: map[string]robots.Policy{}},
		publisher: &fakePublisher{},
		pauser:    &recordingPauser{},
	}
	base := []Option{
		WithLogger(zap.NewNop()),
		WithRobots(fx.robots),
		WithPublisher(fx.publisher),
		WithIDGenerator(fixedID("run-1")),
		WithClock(fixedClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}),
		withPauser(fx.pauser),
	}
	engine, err := NewEngine(cfg, fx.fetcher, append(base, opts...)...)
	require.NoError(t, err)
	fx.engine = engine
	return fx
}

func TestNewEngineValidates(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxDepth = -1
	_, err := NewEngine(cfg, &fakeFetcher{})
	require.Error(t, err)

	_, err = NewEngine(DefaultConfig(), nil)
	require.Error(t, err)
}

func TestEngineBeginRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), nil)
	_, err := fx.engine.Begin(context.Background(), "ftp://site.test/")
	require.ErrorIs(t, err, ErrInvalidURL)
}

func TestEngineBeginHookDenialSkipsFetch(t *testing.T) {
	t.Parallel()

	hooks := NewHooks(zap.NewNop(), HookFuncs{
		Before: func(context.Context, string) error { return errors.New("blocked") },
	})
	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a": page("A"),
	}, WithHooks(hooks))

	_, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.ErrorIs(t, err, ErrHookDenied)
	assert.Empty(t, fx.fetcher.fetched())
	assert.Empty(t, fx.robots.calls)
}

func TestEngineBeginInvalidDomain(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AllowedDomains = []string{`allowed\.test$`}
	fx := newFixture(t, cfg, map[string]fakePage{
		"https://site.test/a": page("A"),
	})

	_, err := fx.engine.Begin(context.Background(), "https://site.test/a")
	require.ErrorIs(t, err, ErrInvalidDomain)
	assert.Empty(t, fx.fetcher.fetched())
}

func TestEngineDepthBoundStopsExpansion(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxDepth = 2
	var mu sync.Mutex
	depths := map[string]int{}
	hooks := NewHooks(zap.NewNop(), HookFuncs{After: func(_ context.Context, p Page) error {
		mu.Lock()
		defer mu.Unlock()
		depths[p.URL] = p.Depth
		return nil
	}})
	fx := newFixture(t, cfg, map[string]fakePage{
		"https://site.test/a": page("A", "https://site.test/b"),
		"https://site.test/b": page("B", "https://site.test/c"),
		"https://site.test/c": page("C", "https://site.test/d"),
		"https://site.test/d": page("D"),
	}, WithHooks(hooks))

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://site.test/a",
		"https://site.test/b",
		"https://site.test/c",
	}, fx.fetcher.fetched())
	assert.Equal(t, map[string]int{
		"https://site.test/a": 0,
		"https://site.test/b": 1,
		"https://site.test/c": 2,
	}, depths)
	assert.Equal(t, 3, stats.Fetched)
}

func TestEngineUnboundedDepthFollowsDepthFirst(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a": page("A", "https://site.test/b", "https://site.test/c"),
		"https://site.test/b": page("B", "https://site.test/d"),
		"https://site.test/c": page("C"),
		"https://site.test/d": page("D"),
	})

	_, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://site.test/a",
		"https://site.test/b",
		"https://site.test/d",
		"https://site.test/c",
	}, fx.fetcher.fetched())
}

func TestEnginePublishesCrossHostOnce(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a": page("A",
			"https://other.test/x",
			"https://site.test/b",
			"https://other.test/y",
			"http://third.test/z",
		),
		"https://site.test/b": page("B", "https://other.test/again"),
	})

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://other.test", "http://third.test"}, fx.publisher.hosts)
	assert.Equal(t, 2, stats.Published)
	for _, u := range fx.fetcher.fetched() {
		assert.Contains(t, u, "site.test")
	}
}

func TestEngineDoesNotAnnounceDisallowedHosts(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AllowedDomains = []string{`site\.test$`, `good\.test$`}
	fx := newFixture(t, cfg, map[string]fakePage{
		"https://site.test/a": page("A", "https://bad.test/", "https://good.test/"),
	})

	_, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://good.test"}, fx.publisher.hosts)
}

func TestEnginePublishFailureIsRetriedOnNextSighting(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a": page("A", "https://other.test/x", "https://other.test/y"),
	})
	fx.publisher.err = errors.New("bus down")

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Zero(t, stats.Published)
	assert.Equal(t, 2, fx.publisher.attempts)
	assert.Equal(t, 1, stats.Fetched)
}

func TestEngineRobotsDisallowSkipsLink(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a":         page("A", "https://site.test/private/x", "https://site.test/c"),
		"https://site.test/private/x": page("X"),
		"https://site.test/c":         page("C"),
	})
	fx.robots.policies["site.test"] = robots.NewPolicy("User-agent: *\nDisallow: /private\n")

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.test/a", "https://site.test/c"}, fx.fetcher.fetched())
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, fx.robots.calls["site.test"])
}

func TestEngineRobotsIgnoredWhenDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RespectRobots = false
	fx := newFixture(t, cfg, map[string]fakePage{
		"https://site.test/a":         page("A", "https://site.test/private/x"),
		"https://site.test/private/x": page("X"),
	})
	fx.robots.policies["site.test"] = robots.NewPolicy("User-agent: *\nDisallow: /\nCrawl-delay: 9\n")

	_, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Len(t, fx.fetcher.fetched(), 2)
	assert.Empty(t, fx.robots.calls)
	assert.Equal(t, []time.Duration{0}, fx.pauser.delays)
}

func TestEngineRootRobotsDisallowIsSkip(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a": page("A"),
	})
	fx.robots.policies["site.test"] = robots.NewPolicy("User-agent: *\nDisallow: /\n")

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Empty(t, fx.fetcher.fetched())
	assert.Equal(t, 1, stats.Skipped)
}

func TestEngineStatusRejectedSkipsExtraction(t *testing.T) {
	t.Parallel()

	missing := page("Missing", "https://site.test/hidden")
	missing.status = 404
	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a":       page("A", "https://site.test/missing", "https://site.test/c"),
		"https://site.test/missing": missing,
		"https://site.test/hidden":  page("Hidden"),
		"https://site.test/c":       page("C"),
	})

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://site.test/a",
		"https://site.test/missing",
		"https://site.test/c",
	}, fx.fetcher.fetched())
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, stats.Fetched)
}

func TestEngineRootStatusRejectedIsNotAnError(t *testing.T) {
	t.Parallel()

	root := page("A")
	root.status = 500
	fx := newFixture(t, DefaultConfig(), map[string]fakePage{"https://site.test/a": root})

	_, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
}

func TestEngineRootNetworkErrorIsReturned(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{})

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, 1, stats.Failed)
}

func TestEngineSiblingContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a":   page("A", "https://site.test/down", "https://site.test/bad", "https://site.test/c"),
		"https://site.test/bad": {err: fmt.Errorf("%w: invalid utf-8", ErrParse)},
		"https://site.test/c":   page("C"),
	})

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://site.test/a",
		"https://site.test/down",
		"https://site.test/bad",
		"https://site.test/c",
	}, fx.fetcher.fetched())
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 2, stats.Fetched)
}

func TestEngineAfterHookFailureDoesNotStopTraversal(t *testing.T) {
	t.Parallel()

	var titles []string
	hooks := NewHooks(zap.NewNop(),
		HookFuncs{After: func(context.Context, Page) error { return errors.New("index offline") }},
		HookFuncs{After: func(_ context.Context, p Page) error {
			titles = append(titles, p.Title)
			return nil
		}},
	)
	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a": page("A", "https://site.test/b"),
		"https://site.test/b": page("B"),
	}, WithHooks(hooks))

	_, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, titles)
}

func TestEngineBeforeHookDeniesFollowedLink(t *testing.T) {
	t.Parallel()

	hooks := NewHooks(zap.NewNop(), HookFuncs{Before: func(_ context.Context, raw string) error {
		if strings.HasSuffix(raw, "/secret") {
			return errors.New("no")
		}
		return nil
	}})
	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a":      page("A", "https://site.test/secret", "https://site.test/b"),
		"https://site.test/secret": page("S"),
		"https://site.test/b":      page("B"),
	}, WithHooks(hooks))

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.test/a", "https://site.test/b"}, fx.fetcher.fetched())
	assert.Equal(t, 1, stats.Skipped)
}

func TestEngineCycleIsRediscovery(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a": page("A", "https://site.test/b"),
		"https://site.test/b": page("B", "https://site.test/a", "https://site.test/b"),
	})

	stats, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.test/a", "https://site.test/b"}, fx.fetcher.fetched())
	assert.Equal(t, 2, stats.Rediscovered)
}

func TestEngineSkipsDisallowedExtensions(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AllowedExtensions = []string{"pdf"}
	fx := newFixture(t, cfg, map[string]fakePage{
		"https://site.test/a":        page("A", "https://site.test/file.zip", "https://site.test/doc.pdf"),
		"https://site.test/doc.pdf":  page("PDF"),
		"https://site.test/file.zip": page("ZIP"),
	})

	_, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.test/a", "https://site.test/doc.pdf"}, fx.fetcher.fetched())
}

func TestEngineWaitsCrawlDelayBeforeSameHostFetch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a": page("A", "https://site.test/b", "https://other.test/", "https://site.test/c"),
		"https://site.test/b": page("B"),
		"https://site.test/c": page("C"),
	})
	fx.robots.policies["site.test"] = robots.NewPolicy("User-agent: *\nCrawl-delay: 2\n")

	_, err := fx.engine.Crawl(context.Background(), "https://site.test/a")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, fx.pauser.delays)
}

func TestEnginePageCarriesRunMetadata(t *testing.T) {
	t.Parallel()

	var got Page
	hooks := NewHooks(zap.NewNop(), HookFuncs{After: func(_ context.Context, p Page) error {
		got = p
		return nil
	}})
	body := `<html><head><title>Home</title><meta charset="utf-8"></head><body></body></html>`
	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/": {body: body},
	}, WithHooks(hooks))

	_, err := fx.engine.Crawl(context.Background(), "https://site.test/")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "site.test", got.Host)
	assert.Equal(t, "Home", got.Title)
	require.Len(t, got.Meta, 1)
	require.NotNil(t, got.Meta[0].Charset)
	assert.Equal(t, "utf-8", *got.Meta[0].Charset)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), got.FetchedAt)
	assert.Equal(t, body, string(got.Body))
}

func TestEngineRunStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, DefaultConfig(), map[string]fakePage{
		"https://site.test/a": page("A", "https://site.test/b"),
		"https://site.test/b": page("B"),
	})
	run, err := fx.engine.Begin(context.Background(), "https://site.test/a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hooks := fx.engine.Hooks()
	hooks.Register(HookFuncs{After: func(context.Context, Page) error {
		cancel()
		return nil
	}})

	err = run.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"https://site.test/a"}, fx.fetcher.fetched())

	require.Error(t, run.Run(context.Background()))
}
