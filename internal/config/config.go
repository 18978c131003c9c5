// Package config loads the engine's runtime configuration from environment
// variables (and, optionally, a config file), using viper the way the
// teacher's configuration layer does.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sitevoice/kb-engine/internal/migration"
)

// Config is the root configuration object, composed of one section per
// component family.
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Embedding EmbeddingConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Voice     VoiceConfig
	Locale    LocaleConfig
	Search    SearchConfig
	Crawl     CrawlConfig
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EmbeddingConfig struct {
	ModelID    string `mapstructure:"model_id"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
}

type RateLimitConfig struct {
	Strategy     string        `mapstructure:"strategy"` // "sliding-window" | "token-bucket"
	Max          int           `mapstructure:"max"`
	Window       time.Duration `mapstructure:"window"`
	Burst        int           `mapstructure:"burst"`
	RefillPerSec float64       `mapstructure:"refill_per_sec"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	SWR time.Duration `mapstructure:"swr"`
}

type VoiceConfig struct {
	MinDuration time.Duration `mapstructure:"min_duration"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

type LocaleConfig struct {
	Supported []string `mapstructure:"supported"`
	Default   string   `mapstructure:"default"`
}

type SearchConfig struct {
	DefaultStrategies []string `mapstructure:"default_strategies"`
	DefaultTopK       int      `mapstructure:"default_top_k"`
	MaxTopK           int      `mapstructure:"max_top_k"`
	FanOutFactor      int      `mapstructure:"fan_out_factor"`
}

type CrawlConfig struct {
	Parallelism   int           `mapstructure:"parallelism"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	ChunkMinSize  int           `mapstructure:"chunk_min_size"`
	ChunkMaxSize  int           `mapstructure:"chunk_max_size"`
	ChunkOverlap  int           `mapstructure:"chunk_overlap"`
	EmbedBatchMax int           `mapstructure:"embed_batch_max"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
}

// Load reads configuration from environment variables prefixed KB_, applying
// the defaults below. Viper's AutomaticEnv + SetEnvKeyReplacer mirrors the
// teacher's loader.go convention of mapping nested keys to SCREAMING_SNAKE
// env vars (e.g. database.max_open_conns -> KB_DATABASE_MAX_OPEN_CONNS).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrations_path", migration.DefaultPath)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("embedding.model_id", "mock-embed-v1")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 100)

	v.SetDefault("ratelimit.strategy", "sliding-window")
	v.SetDefault("ratelimit.max", 100)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.burst", 200)
	v.SetDefault("ratelimit.refill_per_sec", float64(100)/60)

	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.swr", 60*time.Second)

	v.SetDefault("voice.min_duration", 60*time.Second)
	v.SetDefault("voice.max_duration", 1800*time.Second)

	v.SetDefault("locale.supported", []string{"en-US", "es-ES", "fr-FR", "de-DE", "ja-JP"})
	v.SetDefault("locale.default", "en-US")

	v.SetDefault("search.default_strategies", []string{"vector", "fulltext"})
	v.SetDefault("search.default_top_k", 10)
	v.SetDefault("search.max_top_k", 100)
	v.SetDefault("search.fan_out_factor", 2)

	v.SetDefault("crawl.parallelism", 20)
	v.SetDefault("crawl.retry_attempts", 3)
	v.SetDefault("crawl.chunk_min_size", 200)
	v.SetDefault("crawl.chunk_max_size", 2000)
	v.SetDefault("crawl.chunk_overlap", 0)
	v.SetDefault("crawl.embed_batch_max", 100)
	v.SetDefault("crawl.base_backoff", 500*time.Millisecond)
}

// Validate rejects configurations that would violate a spec invariant
// before the engine ever boots (fail fast, not at first request).
func Validate(cfg *Config) error {
	if cfg.Search.MaxTopK > 100 {
		return fmt.Errorf("search.max_top_k must be <= 100, got %d", cfg.Search.MaxTopK)
	}
	if cfg.Crawl.ChunkMinSize < 200 || cfg.Crawl.ChunkMaxSize > 2000 {
		return fmt.Errorf("crawl chunk size must stay within [200, 2000], got [%d, %d]",
			cfg.Crawl.ChunkMinSize, cfg.Crawl.ChunkMaxSize)
	}
	if cfg.Crawl.ChunkOverlap < 0 || cfg.Crawl.ChunkOverlap > 500 {
		return fmt.Errorf("crawl.chunk_overlap must stay within [0, 500], got %d", cfg.Crawl.ChunkOverlap)
	}
	if cfg.Crawl.Parallelism > 20 {
		return fmt.Errorf("crawl.parallelism must be <= 20, got %d", cfg.Crawl.Parallelism)
	}
	if cfg.Voice.MinDuration < 60*time.Second || cfg.Voice.MaxDuration > 1800*time.Second {
		return fmt.Errorf("voice session duration bounds must stay within [60s, 1800s]")
	}
	return nil
}
