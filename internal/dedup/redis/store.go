// Package redis implements a seen-set shared by every consumer through Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/polymath-crawler/internal/dedup"
)

// DefaultPrefix namespaces dedup keys.
const DefaultPrefix = "polymath:seen:"

// Config controls the Redis connection and key lifetime.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires marks so a host can be crawled again later. Zero keeps
	// marks forever.
	TTL time.Duration
}

// Store marks keys with SET NX.
type Store struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

var _ dedup.Store = (*Store)(nil)

// New connects to cfg.Addr and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client. The Store takes ownership of it.
func NewWithClient(client *goredis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// MarkIfNew sets the key only if it does not exist yet.
func (s *Store) MarkIfNew(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", key, err)
	}
	return ok, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
