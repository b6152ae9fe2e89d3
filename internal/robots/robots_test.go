package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseCrawlDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"absent", "User-agent: *\nDisallow: /private", 0},
		{"single", "User-agent: *\nCrawl-delay: 5", 5},
		{"case insensitive", "user-agent: *\ncrawl-DELAY: 7", 7},
		{"last wins", "Crawl-delay: 2\nUser-agent: bot\nCrawl-delay: 9", 9},
		{"malformed", "Crawl-delay: soon", 0},
		{"malformed last", "Crawl-delay: 3\nCrawl-delay: 1.5", 0},
		{"trailing comment", "Crawl-delay: 4 # be nice", 4},
		{"negative", "Crawl-delay: -1", 0},
		{"huge is capped", "Crawl-delay: 99999999999", MaxCrawlDelay},
		{"overflowing int", "Crawl-delay: 99999999999999999999999", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCrawlDelay(tt.text))
		})
	}
}

func TestPolicyDelayBounded(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 7*time.Second, NewPolicy("User-agent: *\nCrawl-delay: 7").Delay())
	assert.Equal(t, MaxCrawlDelay*time.Second, NewPolicy("User-agent: *\nCrawl-delay: 99999999999").Delay())
	assert.Equal(t, MaxCrawlDelay*time.Second, Policy{CrawlDelay: 1 << 40}.Delay())
	assert.Zero(t, Policy{CrawlDelay: -5}.Delay())
}

func TestPolicyAllowed(t *testing.T) {
	t.Parallel()

	p := NewPolicy("User-agent: *\nDisallow: /private\n\nUser-agent: polymath\nDisallow: /no-polymath")
	assert.True(t, p.Allowed("otherbot", "https://example.com/public"))
	assert.False(t, p.Allowed("otherbot", "https://example.com/private/page"))
	assert.False(t, p.Allowed("polymath", "https://example.com/no-polymath"))
	assert.True(t, p.Allowed("polymath", "https://example.com/"))
	assert.False(t, p.Allowed("polymath", "://bad"))
}

func TestDefaultPolicyAllowsEverything(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	assert.Equal(t, DefaultText, p.Text)
	assert.Equal(t, 0, p.CrawlDelay)
	assert.True(t, p.Allowed("polymath", "https://example.com/anything?q=1"))
	assert.Equal(t, time.Duration(0), p.Delay())
}

func TestGateFetch(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			gotUA = r.Header.Get("User-Agent")
			fmt.Fprint(w, "User-agent: *\nDisallow: /blocked\nCrawl-delay: 3\n")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root, err := url.Parse(srv.URL)
	require.NoError(t, err)

	gate := NewGate(Config{UserAgent: "polymath/0.1.0", Timeout: time.Second}, zap.NewNop())
	policy := gate.Fetch(context.Background(), root)

	assert.Equal(t, "polymath/0.1.0", gotUA)
	assert.Equal(t, 3, policy.CrawlDelay)
	assert.Equal(t, 3*time.Second, policy.Delay())
	assert.True(t, policy.Allowed("polymath", srv.URL+"/allowed"))
	assert.False(t, policy.Allowed("polymath", srv.URL+"/blocked"))
}

func TestGateFetchFallsBackOnErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	root, err := url.Parse(srv.URL)
	require.NoError(t, err)

	policy := NewGate(Config{}, nil).Fetch(context.Background(), root)
	assert.Equal(t, DefaultText, policy.Text)
	assert.True(t, policy.Allowed("polymath", srv.URL+"/anything"))
}

func TestGateFetchFallsBackOnTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	root, err := url.Parse(srv.URL)
	require.NoError(t, err)
	srv.Close()

	policy := NewGate(Config{Timeout: 500 * time.Millisecond}, zap.NewNop()).Fetch(context.Background(), root)
	assert.Equal(t, DefaultText, policy.Text)
	assert.Equal(t, 0, policy.CrawlDelay)
}
