// Package robots fetches and evaluates robots.txt policies.
package robots

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// DefaultText is the policy assumed when a host's robots.txt cannot be
// retrieved: everything is allowed and no delay applies.
const DefaultText = "User-agent: *\nAllow: /"

const maxRobotsBytes = 1 << 20

// MaxCrawlDelay caps the crawl delay, in seconds, a host can impose.
const MaxCrawlDelay = 300

// Policy is the parsed robots.txt of one host.
type Policy struct {
	// Text is the raw robots.txt body the policy was built from.
	Text string
	// CrawlDelay is the number of seconds to wait between same-host requests.
	CrawlDelay int

	data *robotstxt.RobotsData
}

// DefaultPolicy returns the allow-all policy with no crawl delay.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultText)
}

// NewPolicy parses text into a Policy. Text that robotstxt cannot parse is
// replaced by the allow-all default.
func NewPolicy(text string) Policy {
	data, err := robotstxt.FromString(text)
	if err != nil {
		data, _ = robotstxt.FromString(DefaultText)
		return Policy{Text: DefaultText, data: data}
	}
	return Policy{
		Text:       text,
		CrawlDelay: ParseCrawlDelay(text),
		data:       data,
	}
}

// Allowed reports whether agent may fetch rawURL under this policy. URLs that
// do not parse are never allowed.
func (p Policy) Allowed(agent, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if p.data == nil {
		return true
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return p.data.TestAgent(target, agent)
}

// Delay returns the crawl delay as a duration, bounded to
// [0, MaxCrawlDelay] seconds.
func (p Policy) Delay() time.Duration {
	return time.Duration(clampDelay(p.CrawlDelay)) * time.Second
}

func clampDelay(n int) int {
	return min(max(n, 0), MaxCrawlDelay)
}

// ParseCrawlDelay returns the value of the last "Crawl-delay:" directive in
// text, matched case-insensitively regardless of user-agent group. A missing,
// negative or non-integer value yields 0; larger values are capped at
// MaxCrawlDelay.
func ParseCrawlDelay(text string) int {
	const directive = "crawl-delay:"
	delay := 0
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < len(directive) || !strings.EqualFold(line[:len(directive)], directive) {
			continue
		}
		value := line[len(directive):]
		if i := strings.IndexByte(value, '#'); i >= 0 {
			value = value[:i]
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			delay = 0
			continue
		}
		delay = clampDelay(n)
	}
	return delay
}

// Config controls how robots.txt is retrieved.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Gate retrieves robots.txt for a host and falls back to DefaultPolicy on any
// failure.
type Gate struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewGate builds a Gate.
func NewGate(cfg Config, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gate{
		client: &http.Client{
			Timeout:   timeout,
			Transport: cfg.Transport,
		},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Fetch returns the robots policy for the host of root. Transport errors and
// non-2xx responses yield DefaultPolicy.
func (g *Gate) Fetch(ctx context.Context, root *url.URL) Policy {
	text, err := g.load(ctx, root)
	if err != nil {
		g.logger.Debug("robots.txt unavailable; allowing all",
			zap.String("host", root.Host),
			zap.Error(err),
		)
		return DefaultPolicy()
	}
	return NewPolicy(text)
}

func (g *Gate) load(ctx context.Context, root *url.URL) (string, error) {
	robotsURL := url.URL{Scheme: root.Scheme, Host: root.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("new robots request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("robots status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return "", fmt.Errorf("read robots body: %w", err)
	}
	return string(body), nil
}
