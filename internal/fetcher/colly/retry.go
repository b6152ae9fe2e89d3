package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/polymath-crawler/internal/crawler"
)

// retryable reports whether a failed attempt is worth repeating: transport
// errors, 429 and 5xx responses. Redirect-limit violations are final.
func retryable(resp crawler.FetchResponse, err error) bool {
	if err == nil {
		return false
	}
	if IsRedirectLimit(err) {
		return false
	}
	if errors.Is(err, crawler.ErrNetwork) {
		return true
	}
	if errors.Is(err, crawler.ErrStatusRejected) {
		return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
	}
	return false
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
