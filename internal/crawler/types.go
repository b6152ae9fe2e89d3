// Package crawler defines core types shared across subsystems.
package crawler

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/JakeFAU/polymath-crawler/internal/extract"
	"github.com/JakeFAU/polymath-crawler/internal/robots"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the outcome of a single GET.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Accepted reports whether the status is in the 2xx or 3xx range.
func (r FetchResponse) Accepted() bool {
	return StatusAccepted(r.StatusCode)
}

// StatusAccepted reports whether code is a 2xx or 3xx status.
func StatusAccepted(code int) bool {
	return code >= 200 && code < 400
}

// Page is a fetched and extracted document handed to after-request hooks.
type Page struct {
	RunID       string
	URL         string
	Host        string
	Depth       int
	StatusCode  int
	ContentType string
	Title       string
	Meta        []extract.Meta
	Body        []byte
	FetchedAt   time.Time
}

// Fetcher fetches a URL. Implementations return ErrNetwork or ErrParse
// wrapped on failure, and the response together with ErrStatusRejected
// when the status is outside 2xx/3xx.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsSource retrieves the robots policy for the host of root.
type RobotsSource interface {
	Fetch(ctx context.Context, root *url.URL) robots.Policy
}

// Publisher announces a host root URL to the dispatch queue.
type Publisher interface {
	Publish(ctx context.Context, host string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
