// Package index records every fetched page in Postgres so downstream systems
// can query crawl results without talking to the crawler.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/polymath-crawler/internal/crawler"
	"github.com/JakeFAU/polymath-crawler/internal/extract"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "pages"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for page rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Index is an after-request hook writing one row per fetched page.
type Index struct {
	pool  execCloser
	table string
}

var _ crawler.Hook = (*Index)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Index{pool: pool, table: table}, nil
}

// NewWithPool builds an Index from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*Index, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Index{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Migrate creates the page table when it does not exist yet.
func (ix *Index) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id      TEXT        NOT NULL,
	url         TEXT        NOT NULL,
	host        TEXT        NOT NULL,
	depth       INTEGER     NOT NULL,
	status_code INTEGER     NOT NULL,
	title       TEXT        NOT NULL,
	meta        JSONB       NOT NULL,
	body_bytes  INTEGER     NOT NULL,
	fetched_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, url)
)`, ix.table)
	if _, err := ix.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", ix.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (ix *Index) Close() {
	if ix == nil || ix.pool == nil {
		return
	}
	ix.pool.Close()
}

// BeforeRequest implements crawler.Hook; the index never denies a URL.
func (ix *Index) BeforeRequest(context.Context, string) error {
	return nil
}

// AfterRequest inserts page. A page seen twice in one run keeps its first row.
func (ix *Index) AfterRequest(ctx context.Context, page crawler.Page) error {
	meta := page.Meta
	if meta == nil {
		meta = []extract.Meta{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	url,
	host,
	depth,
	status_code,
	title,
	meta,
	body_bytes,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT (run_id, url) DO NOTHING`, ix.table)

	args := []any{
		page.RunID,
		page.URL,
		page.Host,
		page.Depth,
		page.StatusCode,
		page.Title,
		metaJSON,
		len(page.Body),
		page.FetchedAt,
	}
	if _, err := ix.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}
