package crawler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Hook observes crawl events. BeforeRequest runs before any network activity
// for a URL; returning a non-nil error denies the URL. AfterRequest runs once
// a page has been fetched and extracted; its error is logged and otherwise
// ignored.
type Hook interface {
	BeforeRequest(ctx context.Context, rawURL string) error
	AfterRequest(ctx context.Context, page Page) error
}

// HookFuncs adapts plain functions to Hook. Nil fields are no-ops.
type HookFuncs struct {
	Name   string
	Before func(ctx context.Context, rawURL string) error
	After  func(ctx context.Context, page Page) error
}

// BeforeRequest implements Hook.
func (h HookFuncs) BeforeRequest(ctx context.Context, rawURL string) error {
	if h.Before == nil {
		return nil
	}
	return h.Before(ctx, rawURL)
}

// AfterRequest implements Hook.
func (h HookFuncs) AfterRequest(ctx context.Context, page Page) error {
	if h.After == nil {
		return nil
	}
	return h.After(ctx, page)
}

// Hooks is an ordered registry of Hook values. Registration is safe to call
// concurrently with dispatch, though it is normally completed at startup.
type Hooks struct {
	mu     sync.RWMutex
	hooks  []Hook
	logger *zap.Logger
}

// NewHooks builds a registry holding hooks in order.
func NewHooks(logger *zap.Logger, hooks ...Hook) *Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hooks{hooks: append([]Hook(nil), hooks...), logger: logger}
}

// Register appends h to the registry.
func (r *Hooks) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Len returns the number of registered hooks.
func (r *Hooks) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

func (r *Hooks) snapshot() []Hook {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Hook(nil), r.hooks...)
}

// Before runs every BeforeRequest hook in registration order and stops at the
// first denial, which is returned wrapped in ErrHookDenied.
func (r *Hooks) Before(ctx context.Context, rawURL string) error {
	for i, h := range r.snapshot() {
		if err := h.BeforeRequest(ctx, rawURL); err != nil {
			return fmt.Errorf("%w: hook %d: %w", ErrHookDenied, i, err)
		}
	}
	return nil
}

// After runs every AfterRequest hook in registration order. Failures are
// logged and counted; all hooks always run. It returns the number of hooks
// that failed.
func (r *Hooks) After(ctx context.Context, page Page) int {
	failed := 0
	for i, h := range r.snapshot() {
		if err := h.AfterRequest(ctx, page); err != nil {
			failed++
			r.logger.Warn("After-request hook failed",
				zap.Int("hook", i),
				zap.String("url", page.URL),
				zap.Error(err),
			)
		}
	}
	return failed
}
