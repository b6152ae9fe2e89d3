package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polymath-crawler/internal/crawler"
	"github.com/JakeFAU/polymath-crawler/internal/extract"
)

func TestAfterRequestInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ix, err := NewWithPool(mock, "pages")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	charset := "utf-8"
	page := crawler.Page{
		RunID:      "run-1",
		URL:        "https://example.com/",
		Host:       "example.com",
		Depth:      1,
		StatusCode: 200,
		Title:      "Example",
		Meta:       []extract.Meta{{Charset: &charset}},
		Body:       []byte("<html></html>"),
		FetchedAt:  now,
	}

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(
			page.RunID,
			page.URL,
			page.Host,
			page.Depth,
			page.StatusCode,
			page.Title,
			[]byte(`[{"charset":"utf-8"}]`),
			len(page.Body),
			page.FetchedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ix.AfterRequest(context.Background(), page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterRequestEmptyMeta(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ix, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), []byte(`[]`), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err = ix.AfterRequest(context.Background(), crawler.Page{URL: "https://example.com/"})
	require.ErrorContains(t, err, "insert page")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCreatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ix, err := NewWithPool(mock, "crawl_pages")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_pages").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, ix.Migrate(context.Background()))
	require.NoError(t, ix.BeforeRequest(context.Background(), "https://example.com/"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConstructorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "pages")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "pages; DROP TABLE x")
	require.Error(t, err)

	_, err = New(context.Background(), Config{})
	require.Error(t, err)
	_, err = New(context.Background(), Config{DSN: "postgres://u@localhost/db", Table: "bad-name"})
	require.Error(t, err)
}
