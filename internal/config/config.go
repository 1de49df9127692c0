package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the engine's runtime configuration. Values come from the YAML
// config file with environment variables taking precedence, so a container
// deployment can run without any file at all.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Batcher BatcherConfig `yaml:"batcher"`
	Offline OfflineConfig `yaml:"offline"`
	Sync    SyncConfig    `yaml:"sync"`
	Archive ArchiveConfig `yaml:"archive"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string          `yaml:"addr" env:"SERVER_ADDR"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds per-client request throughput. RPS <= 0 disables
// limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" env:"RATE_LIMIT_RPS"`
	Burst int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// RedisConfig selects the shared Redis backing store and broker. An empty
// URL keeps everything in process memory.
type RedisConfig struct {
	URL           string `yaml:"url" env:"REDIS_URL"`
	ChannelPrefix string `yaml:"channel_prefix" env:"REDIS_CHANNEL_PREFIX"`
}

// BatcherConfig tunes the delivery batching window.
type BatcherConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval" env:"BATCH_FLUSH_INTERVAL"`
	BatchSize     int           `yaml:"batch_size" env:"BATCH_SIZE"`
}

// OfflineConfig tunes the per-user offline message queue.
type OfflineConfig struct {
	QueueCap int `yaml:"queue_cap" env:"OFFLINE_QUEUE_CAP"`
}

// SyncConfig tunes the change sync engine and its background sweep.
type SyncConfig struct {
	MaxBatch  int    `yaml:"max_batch" env:"SYNC_MAX_BATCH"`
	SweepSpec string `yaml:"sweep_spec" env:"SYNC_SWEEP_SPEC"`
}

// ArchiveConfig selects the Postgres archive for pruned change records. An
// empty DSN drops pruned records instead of archiving them.
type ArchiveConfig struct {
	DSN string `yaml:"dsn" env:"SYNC_ARCHIVE_DSN"`
}

// AuditConfig configures the API audit trail.
type AuditConfig struct {
	File string `yaml:"file" env:"AUDIT_FILE"`
	Max  int    `yaml:"max" env:"AUDIT_MAX"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Load loads the configuration from config/engine.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "engine.yaml"))
}

// LoadFromPath loads the configuration from a specific path, applies
// environment overrides and validates the result.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the config file or falls back to defaults when it is
// missing. Environment overrides apply either way.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err == nil {
		return cfg
	}
	cfg = Default()
	_ = applyEnv(cfg)
	cfg.Normalize()
	return cfg
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       RateLimitConfig{RPS: 50, Burst: 100},
		},
		Redis: RedisConfig{
			ChannelPrefix: "wellmesh",
		},
		Batcher: BatcherConfig{
			FlushInterval: 100 * time.Millisecond,
			BatchSize:     10,
		},
		Offline: OfflineConfig{QueueCap: 100},
		Sync: SyncConfig{
			MaxBatch:  50,
			SweepSpec: "@every 5m",
		},
		Audit:   AuditConfig{Max: 200},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

func applyEnv(cfg *Config) error {
	// Decode reports an error when no variable is set at all; a file-only
	// configuration is fine.
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// Normalize fills zeroed tunables back in with their defaults so partial
// config files stay usable.
func (c *Config) Normalize() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Batcher.FlushInterval <= 0 {
		c.Batcher.FlushInterval = def.Batcher.FlushInterval
	}
	if c.Batcher.BatchSize <= 0 {
		c.Batcher.BatchSize = def.Batcher.BatchSize
	}
	if c.Offline.QueueCap <= 0 {
		c.Offline.QueueCap = def.Offline.QueueCap
	}
	if c.Sync.MaxBatch <= 0 {
		c.Sync.MaxBatch = def.Sync.MaxBatch
	}
	if c.Sync.SweepSpec == "" {
		c.Sync.SweepSpec = def.Sync.SweepSpec
	}
	if c.Audit.Max <= 0 {
		c.Audit.Max = def.Audit.Max
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate rejects values the runtime could not start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server: addr is required")
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst <= 0 {
		return fmt.Errorf("server: rate limit burst is required when rps is set")
	}
	if _, err := cron.ParseStandard(c.Sync.SweepSpec); err != nil {
		return fmt.Errorf("sync: invalid sweep_spec %q: %w", c.Sync.SweepSpec, err)
	}
	return nil
}
