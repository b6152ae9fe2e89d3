// Package memory provides a process-local seen-set.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/polymath-crawler/internal/dedup"
)

// Store is a concurrency-safe seen-set that never forgets.
type Store struct {
	seen sync.Map
}

var _ dedup.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// MarkIfNew records key and reports whether it was unseen.
func (s *Store) MarkIfNew(_ context.Context, key string) (bool, error) {
	_, loaded := s.seen.LoadOrStore(key, struct{}{})
	return !loaded, nil
}

// Close implements dedup.Store.
func (s *Store) Close() error { return nil }
