// Package archive stores the raw body of every fetched page, plus a JSON
// record describing it, in a blob store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/crawler"
	"github.com/JakeFAU/polymath-crawler/internal/extract"
	"github.com/JakeFAU/polymath-crawler/internal/storage"
)

const defaultContentType = "text/html; charset=utf-8"

// Hasher computes hex digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Record is the JSON sidecar written next to each archived body.
type Record struct {
	RunID       string         `json:"run_id"`
	URL         string         `json:"url"`
	Depth       int            `json:"depth"`
	StatusCode  int            `json:"status_code"`
	ContentType string         `json:"content_type"`
	Title       string         `json:"title"`
	Meta        []extract.Meta `json:"meta"`
	BodyURI     string         `json:"body_uri"`
	BodySHA256  string         `json:"body_sha256"`
	FetchedAt   time.Time      `json:"fetched_at"`
}

// Archive is an after-request hook writing pages to a BlobStore.
type Archive struct {
	store  storage.BlobStore
	hasher Hasher
	logger *zap.Logger
}

var _ crawler.Hook = (*Archive)(nil)

// New creates an Archive.
func New(store storage.BlobStore, hasher Hasher, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{store: store, hasher: hasher, logger: logger}
}

// ObjectPath returns the body object path for page, derived from the run,
// the host and the digest of the URL.
func ObjectPath(page crawler.Page, urlDigest string) string {
	return path.Join("runs", page.RunID, page.Host, urlDigest+".html")
}

// BeforeRequest implements crawler.Hook; archiving never denies a URL.
func (a *Archive) BeforeRequest(context.Context, string) error {
	return nil
}

// AfterRequest writes the body and then its sidecar record.
func (a *Archive) AfterRequest(ctx context.Context, page crawler.Page) error {
	urlDigest, err := a.hasher.Hash([]byte(page.URL))
	if err != nil {
		return fmt.Errorf("hash url: %w", err)
	}
	bodyDigest, err := a.hasher.Hash(page.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}

	contentType := page.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	bodyPath := ObjectPath(page, urlDigest)
	bodyURI, err := a.store.PutObject(ctx, bodyPath, contentType, bytes.NewReader(page.Body))
	if err != nil {
		return fmt.Errorf("put body: %w", err)
	}

	record, err := json.Marshal(Record{
		RunID:       page.RunID,
		URL:         page.URL,
		Depth:       page.Depth,
		StatusCode:  page.StatusCode,
		ContentType: contentType,
		Title:       page.Title,
		Meta:        page.Meta,
		BodyURI:     bodyURI,
		BodySHA256:  bodyDigest,
		FetchedAt:   page.FetchedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	metaPath := bodyPath[:len(bodyPath)-len(".html")] + ".json"
	if _, err := a.store.PutObject(ctx, metaPath, "application/json", bytes.NewReader(record)); err != nil {
		return fmt.Errorf("put record: %w", err)
	}

	a.logger.Debug("Archived page", zap.String("url", page.URL), zap.String("uri", bodyURI))
	return nil
}
