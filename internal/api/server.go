package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/crawler"
	"github.com/JakeFAU/polymath-crawler/internal/metrics"
)

const maxRequestBytes = 1 << 16

// Starter admits a crawl root and prepares a run.
type Starter interface {
	Begin(ctx context.Context, rawURL string) (*crawler.Run, error)
}

// Config tunes the HTTP front end.
type Config struct {
	// APIKey, when set, is required on /v1 routes via X-API-Key.
	APIKey         string
	RequestTimeout time.Duration
}

// CrawlRequest is the body of POST /v1/crawl.
type CrawlRequest struct {
	URL string `json:"url"`
}

// CrawlResponse is returned for every crawl request.
type CrawlResponse struct {
	Message string `json:"message"`
	Error   bool   `json:"error"`
}

// Server wires HTTP handlers to the crawl engine.
type Server struct {
	router  chi.Router
	engine  Starter
	logger  *zap.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
	closing atomic.Bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Starter, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:  engine,
		logger:  logger,
		baseCtx: baseCtx,
		cancel:  cancel,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/crawl", s.submitCrawl)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels background runs and waits for them to return or for ctx to
// end.
func (s *Server) Close(ctx context.Context) error {
	s.closing.Store(true)
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for crawl runs: %w", ctx.Err())
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.closing.Load() {
		writeJSON(s.logger, w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req CrawlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.reply(w, http.StatusBadRequest, "invalid JSON body", true)
		return
	}
	target, err := validateScheme(req.URL)
	if err != nil {
		s.reply(w, http.StatusBadRequest, err.Error(), true)
		return
	}
	if s.closing.Load() {
		s.reply(w, http.StatusServiceUnavailable, "server is shutting down", true)
		return
	}

	run, err := s.engine.Begin(r.Context(), target)
	if err != nil {
		s.logger.Info("Crawl request rejected",
			zap.String("url", target),
			zap.String("kind", crawler.Kind(err)),
			zap.Error(err),
		)
		s.reply(w, statusFor(err), err.Error(), true)
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if err := run.Run(s.baseCtx); err != nil {
			s.logger.Warn("Crawl run failed",
				zap.String("run_id", run.ID),
				zap.String("kind", crawler.Kind(err)),
				zap.Error(err),
			)
		}
	}()
	s.reply(w, http.StatusAccepted, fmt.Sprintf("Crawling %s...", target), false)
}

func (s *Server) reply(w http.ResponseWriter, status int, message string, failed bool) {
	writeJSON(s.logger, w, status, CrawlResponse{Message: message, Error: failed})
}

// validateScheme rejects anything that is not an absolute https URL.
func validateScheme(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", crawler.ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrInvalidURL, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", crawler.ErrInvalidScheme
	}
	return raw, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidURL), errors.Is(err, crawler.ErrInvalidScheme):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrInvalidDomain), errors.Is(err, crawler.ErrHookDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
