package crawler

import (
	"regexp"

	"go.uber.org/zap"
)

// HostAllowed reports whether host matches at least one of patterns. Each
// pattern is a regular expression searched (not anchored) within host. An
// empty pattern list allows every host. Patterns that fail to compile are
// logged and skipped.
func HostAllowed(host string, patterns []string, logger *zap.Logger) bool {
	return NewDomainGuard(patterns, logger).Allowed(host)
}

// DomainGuard holds the compiled allowed-domain patterns for a crawl.
type DomainGuard struct {
	patterns []*regexp.Regexp
	allowAll bool
}

// NewDomainGuard compiles patterns once. Invalid patterns are logged at warn
// level and never match.
func NewDomainGuard(patterns []string, logger *zap.Logger) *DomainGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &DomainGuard{allowAll: len(patterns) == 0}
	for _, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			logger.Warn("Skipping invalid allowed-domain pattern", zap.String("pattern", raw), zap.Error(err))
			continue
		}
		g.patterns = append(g.patterns, re)
	}
	return g
}

// Allowed reports whether host matches any compiled pattern.
func (g *DomainGuard) Allowed(host string) bool {
	if g == nil || g.allowAll {
		return true
	}
	for _, re := range g.patterns {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}
