// Package blocklist denies crawl requests for configured hosts before any
// network activity happens.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/polymath-crawler/internal/crawler"
)

// ErrBlocked is returned for URLs whose host is on the blocklist.
var ErrBlocked = errors.New("host is blocklisted")

// Hook matches hosts against exact names and suffix wildcards. Patterns look
// like "example.org", "*.example.org" or ".example.org".
type Hook struct {
	exact    map[string]struct{}
	suffixes []string
}

var _ crawler.Hook = (*Hook)(nil)

// New builds a Hook from patterns. It returns nil when no usable pattern is
// given; a nil Hook blocks nothing.
func New(patterns []string) *Hook {
	h := &Hook{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			h.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			h.addSuffix(strings.TrimPrefix(value, "."))
		default:
			h.exact[value] = struct{}{}
		}
	}
	if len(h.exact) == 0 && len(h.suffixes) == 0 {
		return nil
	}
	return h
}

func (h *Hook) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range h.suffixes {
		if existing == suffix {
			return
		}
	}
	h.suffixes = append(h.suffixes, suffix)
}

// IsBlocked reports whether host is covered by an exact entry or a suffix.
func (h *Hook) IsBlocked(host string) bool {
	if h == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := h.exact[host]; exact {
		return true
	}
	for _, suffix := range h.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// BeforeRequest denies rawURL when its host is blocked.
func (h *Hook) BeforeRequest(_ context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if h.IsBlocked(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrBlocked, u.Hostname())
	}
	return nil
}

// AfterRequest implements crawler.Hook.
func (h *Hook) AfterRequest(context.Context, crawler.Page) error {
	return nil
}
