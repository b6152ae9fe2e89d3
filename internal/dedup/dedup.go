// Package dedup records which hosts a dispatch consumer has already started
// crawling so that redelivered messages are ignored.
package dedup

import "context"

// Store marks keys as seen.
type Store interface {
	// MarkIfNew records key and reports whether this call was the first to
	// see it. Concurrent callers for the same key get true exactly once.
	MarkIfNew(ctx context.Context, key string) (bool, error)
	Close() error
}
