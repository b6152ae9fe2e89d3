package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/crawler"
	"github.com/JakeFAU/polymath-crawler/internal/hash/sha256"
	"github.com/JakeFAU/polymath-crawler/internal/storage/memory"
)

func testPage() crawler.Page {
	return crawler.Page{
		RunID:      "run-1",
		URL:        "https://example.com/about",
		Host:       "example.com",
		Depth:      2,
		StatusCode: 200,
		Title:      "About",
		Body:       []byte("hello world"),
		FetchedAt:  time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestAfterRequestWritesBodyAndRecord(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	hasher := sha256.New()
	a := New(store, hasher, zap.NewNop())
	page := testPage()

	require.NoError(t, a.AfterRequest(context.Background(), page))

	urlDigest, err := hasher.Hash([]byte(page.URL))
	require.NoError(t, err)
	bodyPath := ObjectPath(page, urlDigest)
	assert.Equal(t, "runs/run-1/example.com/"+urlDigest+".html", bodyPath)

	body, ok := store.Get(bodyPath)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(body.Data))
	assert.Equal(t, defaultContentType, body.ContentType)

	meta, ok := store.Get("runs/run-1/example.com/" + urlDigest + ".json")
	require.True(t, ok)
	assert.Equal(t, "application/json", meta.ContentType)

	var rec Record
	require.NoError(t, json.Unmarshal(meta.Data, &rec))
	assert.Equal(t, "memory://"+bodyPath, rec.BodyURI)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", rec.BodySHA256)
	assert.Equal(t, 2, rec.Depth)
	assert.Equal(t, "About", rec.Title)
	assert.True(t, page.FetchedAt.Equal(rec.FetchedAt))
}

func TestAfterRequestKeepsResponseContentType(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a := New(store, sha256.New(), nil)
	page := testPage()
	page.ContentType = "application/pdf"

	require.NoError(t, a.AfterRequest(context.Background(), page))
	require.NoError(t, a.BeforeRequest(context.Background(), page.URL))
	assert.Equal(t, 2, store.Len())
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) { return "", errors.New("no hash") }

func TestAfterRequestErrors(t *testing.T) {
	t.Parallel()

	err := New(failingStore{}, sha256.New(), nil).AfterRequest(context.Background(), testPage())
	require.ErrorContains(t, err, "put body")

	err = New(memory.NewBlobStore(), failingHasher{}, nil).AfterRequest(context.Background(), testPage())
	require.ErrorContains(t, err, "hash url")
}
