// Package config loads and validates polymath configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/polymath-crawler/internal/crawler"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusPubSub = "pubsub"
	BusKafka  = "kafka"
)

// Dedup drivers.
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

// Archive drivers.
const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
	ArchiveMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Bus      BusConfig      `mapstructure:"bus"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Index    IndexConfig    `mapstructure:"index"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CrawlerConfig mirrors crawler.Config in file/env form.
type CrawlerConfig struct {
	AllowedDomains    []string          `mapstructure:"allowed_domains"`
	AllowedExtensions []string          `mapstructure:"allowed_extensions"`
	BlockedDomains    []string          `mapstructure:"blocked_domains"`
	FollowRedirects   bool              `mapstructure:"follow_redirects"`
	Headers           map[string]string `mapstructure:"headers"`
	MaxDepth          int               `mapstructure:"max_depth"`
	RetryCount        int               `mapstructure:"retry_count"`
	RetryAfter        time.Duration     `mapstructure:"retry_after"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	UserAgent         string            `mapstructure:"user_agent"`
	RobotsAgent       string            `mapstructure:"robots_agent"`
	RespectRobots     bool              `mapstructure:"respect_robots"`
	FrontierCapacity  int               `mapstructure:"frontier_capacity"`
	HostRPS           float64           `mapstructure:"host_rps"`
	HostBurst         int               `mapstructure:"host_burst"`
}

// BusConfig selects and configures the dispatch bus.
type BusConfig struct {
	Driver string          `mapstructure:"driver"`
	Topic  string          `mapstructure:"topic"`
	Memory MemoryBusConfig `mapstructure:"memory"`
	PubSub PubSubBusConfig `mapstructure:"pubsub"`
	Kafka  KafkaBusConfig  `mapstructure:"kafka"`
}

// MemoryBusConfig sizes the in-process bus.
type MemoryBusConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// PubSubBusConfig holds Google Cloud Pub/Sub settings.
type PubSubBusConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	Subscription    string `mapstructure:"subscription"`
	CreateIfMissing bool   `mapstructure:"create_if_missing"`
}

// KafkaBusConfig holds Kafka settings.
type KafkaBusConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// DedupConfig selects the dispatch seen-set.
type DedupConfig struct {
	Driver string           `mapstructure:"driver"`
	Redis  RedisDedupConfig `mapstructure:"redis"`
}

// RedisDedupConfig holds Redis connection settings for the seen-set.
type RedisDedupConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// DispatchConfig bounds how the consumer starts crawl runs.
type DispatchConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Concurrency   int           `mapstructure:"concurrency"`
	RunsPerSecond float64       `mapstructure:"runs_per_second"`
	Burst         int           `mapstructure:"burst"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
}

// IndexConfig controls the Postgres page index hook.
type IndexConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig controls the raw body archive hook.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POLYMATH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := crawler.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.allowed_extensions", def.AllowedExtensions)
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.follow_redirects", def.FollowRedirects)
	v.SetDefault("crawler.max_depth", 1)
	v.SetDefault("crawler.retry_count", def.RetryCount)
	v.SetDefault("crawler.retry_after", def.RetryAfter.String())
	v.SetDefault("crawler.timeout", def.Timeout.String())
	v.SetDefault("crawler.user_agent", def.UserAgent)
	v.SetDefault("crawler.robots_agent", def.RobotsAgent)
	v.SetDefault("crawler.respect_robots", def.RespectRobots)
	v.SetDefault("crawler.frontier_capacity", def.FrontierCapacity)
	v.SetDefault("crawler.host_rps", 0)
	v.SetDefault("crawler.host_burst", 1)
	v.SetDefault("bus.driver", BusMemory)
	v.SetDefault("bus.topic", "polymath")
	v.SetDefault("bus.memory.buffer", 256)
	v.SetDefault("bus.pubsub.subscription", "polymath-dispatch")
	v.SetDefault("bus.pubsub.create_if_missing", false)
	v.SetDefault("bus.kafka.group_id", "polymath-dispatch")
	v.SetDefault("dedup.driver", DedupMemory)
	v.SetDefault("dedup.redis.addr", "localhost:6379")
	v.SetDefault("dedup.redis.ttl", "24h")
	v.SetDefault("dedup.redis.prefix", "polymath:seen:")
	v.SetDefault("dispatch.enabled", true)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.runs_per_second", 1.0)
	v.SetDefault("dispatch.burst", 1)
	v.SetDefault("dispatch.run_timeout", "0s")
	v.SetDefault("index.enabled", false)
	v.SetDefault("index.table", "pages")
	v.SetDefault("index.max_conns", 4)
	v.SetDefault("archive.driver", ArchiveNone)
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.ToCrawler().Validate(); err != nil {
		return err
	}
	if c.Crawler.HostRPS < 0 {
		return fmt.Errorf("crawler.host_rps must be >= 0")
	}
	switch c.Bus.Driver {
	case BusMemory:
	case BusPubSub:
		if c.Bus.PubSub.ProjectID == "" {
			return fmt.Errorf("bus.pubsub.project_id must be set for the pubsub driver")
		}
	case BusKafka:
		if len(c.Bus.Kafka.Brokers) == 0 {
			return fmt.Errorf("bus.kafka.brokers must be set for the kafka driver")
		}
	default:
		return fmt.Errorf("bus.driver %q is not supported", c.Bus.Driver)
	}
	if strings.TrimSpace(c.Bus.Topic) == "" {
		return fmt.Errorf("bus.topic must be set")
	}
	switch c.Dedup.Driver {
	case DedupMemory:
	case DedupRedis:
		if c.Dedup.Redis.Addr == "" {
			return fmt.Errorf("dedup.redis.addr must be set for the redis driver")
		}
	default:
		return fmt.Errorf("dedup.driver %q is not supported", c.Dedup.Driver)
	}
	if c.Dispatch.Concurrency < 0 {
		return fmt.Errorf("dispatch.concurrency must be >= 0")
	}
	if c.Dispatch.RunsPerSecond < 0 {
		return fmt.Errorf("dispatch.runs_per_second must be >= 0")
	}
	if c.Index.Enabled && c.Index.DSN == "" {
		return fmt.Errorf("index.dsn must be set when the index is enabled")
	}
	switch c.Archive.Driver {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local driver")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs driver")
		}
	default:
		return fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver)
	}
	return nil
}

// ToCrawler derives the read-only crawler configuration.
func (c Config) ToCrawler() crawler.Config {
	headers := http.Header{}
	for k, v := range c.Crawler.Headers {
		headers.Set(k, v)
	}
	return crawler.Config{
		AllowedDomains:    c.Crawler.AllowedDomains,
		AllowedExtensions: c.Crawler.AllowedExtensions,
		BlockedDomains:    c.Crawler.BlockedDomains,
		FollowRedirects:   c.Crawler.FollowRedirects,
		Headers:           headers,
		MaxDepth:          c.Crawler.MaxDepth,
		RetryCount:        c.Crawler.RetryCount,
		RetryAfter:        c.Crawler.RetryAfter,
		Timeout:           c.Crawler.Timeout,
		UserAgent:         c.Crawler.UserAgent,
		RobotsAgent:       c.Crawler.RobotsAgent,
		RespectRobots:     c.Crawler.RespectRobots,
		FrontierCapacity:  c.Crawler.FrontierCapacity,
	}
}
