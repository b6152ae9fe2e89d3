package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Version is reported in the default user agent.
const Version = "0.1.0"

// DefaultExtensions lists the file extensions followed by default, in
// addition to HTML page extensions.
var DefaultExtensions = []string{
	"pdf",
	"ppt", "pptx",
	"doc", "docx",
	"odp",
	"tex",
	"txt",
	"jpeg", "jpg", "png", "webp", "gif",
	"mp4", "ogv", "mov",
}

// pageExtensions are always followed regardless of AllowedExtensions.
var pageExtensions = map[string]struct{}{
	"html": {}, "htm": {}, "xhtml": {}, "php": {}, "asp": {}, "aspx": {}, "jsp": {},
}

// Config captures every knob that influences a crawl run. It is read-only once
// an Engine is built from it.
type Config struct {
	// AllowedDomains holds regular expressions searched within a host. Empty
	// allows every host.
	AllowedDomains []string
	// AllowedExtensions lists the non-page file extensions to follow.
	AllowedExtensions []string
	// BlockedDomains lists hosts denied by the blocklist hook ("example.com",
	// "*.example.com").
	BlockedDomains  []string
	FollowRedirects bool
	Headers         http.Header
	// MaxDepth bounds link-following hops from the crawl root. Zero means
	// unbounded.
	MaxDepth         int
	RetryCount       int
	RetryAfter       time.Duration
	Timeout          time.Duration
	UserAgent        string
	RobotsAgent      string
	RespectRobots    bool
	FrontierCapacity int
}

// DefaultConfig returns the stock crawler configuration.
func DefaultConfig() Config {
	return Config{
		AllowedExtensions: append([]string(nil), DefaultExtensions...),
		FollowRedirects:   true,
		Headers:           http.Header{},
		RetryCount:        3,
		RetryAfter:        10 * time.Second,
		Timeout:           10 * time.Second,
		UserAgent:         "polymath/" + Version,
		RobotsAgent:       "polymath",
		RespectRobots:     true,
		FrontierCapacity:  20,
	}
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("crawler.retry_count must be >= 0")
	}
	if c.RetryAfter < 0 {
		return fmt.Errorf("crawler.retry_after must be >= 0")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("crawler.timeout must be > 0")
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.FrontierCapacity <= 0 {
		return fmt.Errorf("crawler.frontier_capacity must be > 0")
	}
	return nil
}

// robotsAgent returns the agent token matched against robots.txt groups.
func (c Config) robotsAgent() string {
	if c.RobotsAgent != "" {
		return c.RobotsAgent
	}
	token, _, _ := strings.Cut(c.UserAgent, "/")
	return strings.TrimSpace(token)
}

// depthExceeded reports whether depth has reached the configured bound.
func (c Config) depthExceeded(depth int) bool {
	return c.MaxDepth > 0 && depth >= c.MaxDepth
}
