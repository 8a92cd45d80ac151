// Package config loads and validates Ledge's runtime configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the top-level configuration for a Ledge process.
type Config struct {
	Server ServerConfig `mapstructure:"server" validate:"required"`
	Redis  RedisConfig  `mapstructure:"redis" validate:"required"`
	Origin OriginConfig `mapstructure:"origin" validate:"required"`
	Cache  CacheConfig  `mapstructure:"cache" validate:"required"`
	Lock   LockConfig   `mapstructure:"lock" validate:"required"`
	Purge  PurgeConfig  `mapstructure:"purge" validate:"required"`
	Worker WorkerConfig `mapstructure:"worker" validate:"required"`
	Log    LogConfig    `mapstructure:"log" validate:"required"`
}

// ServerConfig holds the HTTP front door settings.
type ServerConfig struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	Hostname                string        `mapstructure:"hostname"`
	RateLimitPerMinute      int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst          int           `mapstructure:"rate_limit_burst"`
}

// RedisConfig configures the shared KV store used for metadata, locks,
// pub/sub and the job queue.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size" validate:"min=1"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// OriginConfig points at the upstream being cached.
type OriginConfig struct {
	Host    string        `mapstructure:"host" validate:"required"`
	Port    int           `mapstructure:"port" validate:"min=1,max=65535"`
	Scheme  string        `mapstructure:"scheme"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CacheConfig controls freshness and collapsing behaviour (spec §6).
type CacheConfig struct {
	ServeWhenStale         time.Duration `mapstructure:"serve_when_stale"`
	CollapseOriginRequests bool          `mapstructure:"collapse_origin_requests"`
	KeepCacheFor           time.Duration `mapstructure:"keep_cache_for"`
}

// LockConfig controls the collapse coordinator's SETNX lock.
type LockConfig struct {
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	FollowerWait time.Duration `mapstructure:"follower_wait"`
}

// PurgeConfig controls purge scanning.
type PurgeConfig struct {
	KeyspaceScanCount int64 `mapstructure:"keyspace_scan_count" validate:"min=1"`
}

// WorkerConfig controls the background worker pool.
type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency" validate:"min=1"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	EntityGCInterval time.Duration `mapstructure:"entity_gc_interval"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var validate = validator.New()

// Load reads configuration from the optional file at path, then layers
// LEDGE_-prefixed environment variables on top, and returns a validated
// Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only reaches keys viper already knows about; keys with
	// no default are bound explicitly so their LEDGE_ variables apply too.
	for _, key := range []string{
		"origin.host", "origin.port", "redis.password", "log.filename",
		"log.max_size_mb", "log.max_backups", "log.max_age_days", "log.compress",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.graceful_shutdown_timeout", 30*time.Second)
	v.SetDefault("server.hostname", "ledge")
	v.SetDefault("server.rate_limit_per_minute", 600)
	v.SetDefault("server.rate_limit_burst", 60)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("origin.scheme", "http")
	v.SetDefault("origin.timeout", 30*time.Second)

	v.SetDefault("cache.serve_when_stale", 0)
	v.SetDefault("cache.collapse_origin_requests", true)
	v.SetDefault("cache.keep_cache_for", 3600*time.Second)

	v.SetDefault("lock.lock_ttl", 10*time.Second)
	v.SetDefault("lock.follower_wait", 5*time.Second)

	v.SetDefault("purge.keyspace_scan_count", 100)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", 200*time.Millisecond)
	v.SetDefault("worker.job_timeout", 30*time.Second)
	v.SetDefault("worker.entity_gc_interval", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
}
