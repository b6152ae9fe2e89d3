// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/crawler"
)

// MaxRedirects bounds the redirect chain when redirects are followed.
const MaxRedirects = 3

var errTooManyRedirects = fmt.Errorf("stopped after %d redirects", MaxRedirects)

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	Headers         http.Header
	Timeout         time.Duration
	FollowRedirects bool
	RetryCount      int
	RetryAfter      time.Duration
	// Limiter, when set, is waited on before every attempt.
	Limiter Limiter
}

// Limiter spaces out requests to the same host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.Fetcher using the Colly collector.
//
// Bodies without a declared charset are detected and transcoded to UTF-8 by
// colly, so ErrParse reports bodies that stay invalid UTF-8 after that: binary
// media types and bodies declaring utf-8 while carrying other bytes.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. The transport is shared by every fetch and speaks
// HTTP/1.1 only.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.DetectCharset = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(redirectPolicy(cfg.FollowRedirects))

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a GET, retrying transport failures and 429/5xx responses up
// to RetryCount times.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		resp crawler.FetchResponse
		err  error
	)
	for attempt := 0; ; attempt++ {
		if f.cfg.Limiter != nil {
			if werr := f.cfg.Limiter.Wait(ctx, request.URL); werr != nil {
				return crawler.FetchResponse{}, fmt.Errorf("%w: %w", crawler.ErrNetwork, werr)
			}
		}
		resp, err = f.fetchOnce(ctx, request)
		if attempt >= f.cfg.RetryCount || ctx.Err() != nil || !retryable(resp, err) {
			break
		}
		f.logger.Debug("Retrying fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		if serr := sleepWithContext(ctx, f.cfg.RetryAfter); serr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("%w: %w", crawler.ErrNetwork, serr)
		}
	}
	return resp, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: %w", crawler.ErrNetwork, err)
	}
	if !result.Accepted() {
		return result, fmt.Errorf("%w: %d", crawler.ErrStatusRejected, result.StatusCode)
	}
	if !utf8.Valid(result.Body) {
		return result, fmt.Errorf("%w: body of %s is not valid utf-8", crawler.ErrParse, request.URL)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.DetectCharset = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// copyHeaders applies the configured header map first and the per-request
// headers second, so a request can override a configured value.
func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for _, src := range []http.Header{f.cfg.Headers, request.Headers} {
		for key, values := range src {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	}
}

func redirectPolicy(follow bool) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if !follow {
			return http.ErrUseLastResponse
		}
		if len(via) > MaxRedirects {
			return errTooManyRedirects
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		// A non-nil empty map disables the HTTP/2 upgrade.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
}

// IsRedirectLimit reports whether err was caused by exceeding MaxRedirects.
func IsRedirectLimit(err error) bool {
	return errors.Is(err, errTooManyRedirects)
}
