package crawler

import (
	"context"
	"errors"
)

// Sentinel errors returned by the crawl pipeline. Callers match them with
// errors.Is; producers wrap them with context.
var (
	// ErrInvalidURL reports a URL that could not be parsed or has no host.
	ErrInvalidURL = errors.New("invalid url")
	// ErrInvalidScheme reports a crawl request for a URL that is not HTTPS.
	ErrInvalidScheme = errors.New("invalid scheme: only https urls are accepted")
	// ErrInvalidDomain reports a host that matches none of the allowed domain patterns.
	ErrInvalidDomain = errors.New("domain not allowed")
	// ErrHookDenied reports that a before-request hook rejected a URL.
	ErrHookDenied = errors.New("denied by hook")
	// ErrRobotsDisallowed reports a URL disallowed by the host's robots.txt.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	// ErrStatusRejected reports a response whose status is outside 2xx/3xx.
	ErrStatusRejected = errors.New("status rejected")
	// ErrNetwork reports a transport-level failure: DNS, connect, TLS, timeout or redirect limit.
	ErrNetwork = errors.New("network error")
	// ErrParse reports a response body that could not be decoded as text.
	ErrParse = errors.New("parse error")
)

// Kind maps err to a stable label for metrics and log fields.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, ErrInvalidScheme):
		return "invalid_scheme"
	case errors.Is(err, ErrInvalidDomain):
		return "invalid_domain"
	case errors.Is(err, ErrHookDenied):
		return "hook_denied"
	case errors.Is(err, ErrRobotsDisallowed):
		return "robots_disallowed"
	case errors.Is(err, ErrStatusRejected):
		return "status_rejected"
	case errors.Is(err, ErrParse):
		return "parse_error"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// IsSkip reports whether err represents a page that was deliberately not
// processed rather than one that failed.
func IsSkip(err error) bool {
	return errors.Is(err, ErrRobotsDisallowed) ||
		errors.Is(err, ErrStatusRejected) ||
		errors.Is(err, ErrHookDenied)
}
