// Package storage defines where archived page bodies are written.
package storage

import (
	"context"
	"io"
)

// BlobStore writes one object and returns a URI that locates it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
