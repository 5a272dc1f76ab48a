// Package config provides configuration management for the article pipeline.
//
// Configuration is loaded from multiple sources with proper precedence
// (later sources override earlier ones):
//  1. Default values
//  2. Configuration files (./config.yaml, ./configs/config.yaml, /etc/rssnews/config.yaml)
//  3. .env files
//  4. Environment variables with the RSSNEWS_ prefix
//
// Environment variables use underscores for nested keys:
//   - RSSNEWS_DATABASE_DSN=postgres://...
//   - RSSNEWS_REDIS_URL=redis://localhost:6379/0
//   - RSSNEWS_PIPELINE_TARGET_BATCH_SIZE=200
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PipelineConfig controls batch formation and the stage contracts.
type PipelineConfig struct {
	// TargetBatchSize is the starting point for adaptive batch sizing.
	TargetBatchSize int `mapstructure:"target_batch_size"`

	// MinBatchSize and MaxBatchSize clamp the adaptive size.
	MinBatchSize int `mapstructure:"min_batch_size"`
	MaxBatchSize int `mapstructure:"max_batch_size"`

	// DiversityFactor bounds the share of a batch one domain may occupy.
	DiversityFactor float64 `mapstructure:"diversity_factor"`

	// MaxRetryArticlesPercent caps the retry share of a batch, in [0,1].
	MaxRetryArticlesPercent float64 `mapstructure:"max_retry_articles_percent"`

	// MaxArticleAgeHours rejects articles older than this at validation.
	MaxArticleAgeHours int `mapstructure:"max_article_age_hours"`

	// MaxAgeHours bounds the candidate pool by fetch time.
	MaxAgeHours int `mapstructure:"max_age_hours"`

	// MinQualityScore is the stage 4 rejection threshold, in [0,1].
	MinQualityScore float64 `mapstructure:"min_quality_score"`

	// MinHealthScore is the stage 1 feed rejection threshold, in [0,100].
	MinHealthScore float64 `mapstructure:"min_health_score"`

	// SupportedLanguages is the stage 3 allow-list (ISO 639-1 codes).
	SupportedLanguages []string `mapstructure:"supported_languages"`

	// ChunkingTargetSize, ChunkingMinSize and ChunkingOverlap are word
	// counts for the stage 6 chunker.
	ChunkingTargetSize int `mapstructure:"chunking_target_size"`
	ChunkingMinSize    int `mapstructure:"chunking_min_size"`
	ChunkingOverlap    int `mapstructure:"chunking_overlap"`

	// StageTimeout bounds each stage; BatchSoftDeadline and
	// BatchHardDeadline bound a whole batch.
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	BatchSoftDeadline time.Duration `mapstructure:"batch_soft_deadline"`
	BatchHardDeadline time.Duration `mapstructure:"batch_hard_deadline"`

	// LeaseTTL is how long the planner's article leases last.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`

	// ProcessingVersion tags index rows with the pipeline revision.
	ProcessingVersion string `mapstructure:"processing_version"`
}

// DatabaseConfig contains relational store settings.
type DatabaseConfig struct {
	// DSN is the Postgres connection string.
	DSN string `mapstructure:"dsn"`

	// MaxConnections caps the pgx pool size.
	MaxConnections int `mapstructure:"max_connections"`

	// QueryTimeout is the default deadline for database operations.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	// SynchronousCommit toggles synchronous_commit on sessions. Turning it
	// off trades durability of the most recent transactions for latency.
	SynchronousCommit bool `mapstructure:"synchronous_commit"`
}

// RedisConfig contains KV store settings.
type RedisConfig struct {
	// URL is the Redis connection URL.
	URL string `mapstructure:"url"`

	// KeyPrefix namespaces all keys written by this deployment.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MonitoringConfig contains metrics and backpressure settings.
type MonitoringConfig struct {
	// MetricsBufferSize is the sink's in-memory entry cap before flush.
	MetricsBufferSize int `mapstructure:"metrics_buffer_size"`

	// MetricsFlushInterval is the periodic flush cadence.
	MetricsFlushInterval time.Duration `mapstructure:"metrics_flush_interval"`

	// MonitorInterval is the backpressure sampling cadence.
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	// ErrorRateWeight multiplies the error-rate signal in the load factor.
	// The historical value is 2.0.
	ErrorRateWeight float64 `mapstructure:"error_rate_weight"`

	// AdminAddr is the bind address of the worker admin endpoint.
	AdminAddr string `mapstructure:"admin_addr"`
}

// FeaturesConfig gates optional behavior.
type FeaturesConfig struct {
	// SemanticDedup enables the semantic deduplication hook in stage 2.
	SemanticDedup bool `mapstructure:"semantic_dedup"`
}

// Config is the process-wide configuration document.
type Config struct {
	Pipeline    PipelineConfig   `mapstructure:"pipeline"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Monitoring  MonitoringConfig `mapstructure:"monitoring"`
	Features    FeaturesConfig   `mapstructure:"features"`
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	LogFormat   string           `mapstructure:"log_format"`
	WorkerID    string           `mapstructure:"worker_id"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix (e.g. "RSSNEWS" -> "RSSNEWS_DATABASE_DSN").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults installs the standard pipeline defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("pipeline.target_batch_size", 200)
	l.v.SetDefault("pipeline.min_batch_size", 50)
	l.v.SetDefault("pipeline.max_batch_size", 500)
	l.v.SetDefault("pipeline.diversity_factor", 0.2)
	l.v.SetDefault("pipeline.max_retry_articles_percent", 0.3)
	l.v.SetDefault("pipeline.max_article_age_hours", 168)
	l.v.SetDefault("pipeline.max_age_hours", 48)
	l.v.SetDefault("pipeline.min_quality_score", 0.3)
	l.v.SetDefault("pipeline.min_health_score", 50)
	l.v.SetDefault("pipeline.supported_languages", []string{"en", "ru", "de", "fr", "es"})
	l.v.SetDefault("pipeline.chunking_target_size", 400)
	l.v.SetDefault("pipeline.chunking_min_size", 80)
	l.v.SetDefault("pipeline.chunking_overlap", 50)
	l.v.SetDefault("pipeline.stage_timeout", "60s")
	l.v.SetDefault("pipeline.batch_soft_deadline", "25m")
	l.v.SetDefault("pipeline.batch_hard_deadline", "30m")
	l.v.SetDefault("pipeline.lease_ttl", "2h")
	l.v.SetDefault("pipeline.processing_version", "v2")

	l.v.SetDefault("database.dsn", "postgres://localhost:5432/rssnews?sslmode=disable")
	l.v.SetDefault("database.max_connections", 20)
	l.v.SetDefault("database.query_timeout", "30s")
	l.v.SetDefault("database.synchronous_commit", true)

	l.v.SetDefault("redis.url", "redis://localhost:6379/0")
	l.v.SetDefault("redis.key_prefix", "rssnews:")

	l.v.SetDefault("monitoring.metrics_buffer_size", 1000)
	l.v.SetDefault("monitoring.metrics_flush_interval", "10s")
	l.v.SetDefault("monitoring.monitor_interval", "30s")
	l.v.SetDefault("monitoring.error_rate_weight", 2.0)
	l.v.SetDefault("monitoring.admin_addr", ":9090")

	l.v.SetDefault("features.semantic_dedup", false)

	l.v.SetDefault("environment", "development")
	l.v.SetDefault("log_level", "info")
	l.v.SetDefault("log_format", "text")
}

// Load reads configuration from file, .env, and environment variables into
// target. If cfgFile is empty, config.yaml is searched in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("/etc/rssnews")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads and validates the full configuration with defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("RSSNEWS")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig checks structural invariants of the loaded configuration.
func ValidateConfig(cfg *Config) error {
	p := cfg.Pipeline
	if p.MinBatchSize <= 0 || p.MaxBatchSize < p.MinBatchSize {
		return fmt.Errorf("invalid batch size bounds: min=%d max=%d", p.MinBatchSize, p.MaxBatchSize)
	}
	if p.TargetBatchSize < p.MinBatchSize || p.TargetBatchSize > p.MaxBatchSize {
		return fmt.Errorf("target batch size %d outside [%d, %d]", p.TargetBatchSize, p.MinBatchSize, p.MaxBatchSize)
	}
	if p.DiversityFactor <= 0 || p.DiversityFactor > 1 {
		return fmt.Errorf("diversity factor must be in (0, 1]: %f", p.DiversityFactor)
	}
	if p.MaxRetryArticlesPercent < 0 || p.MaxRetryArticlesPercent > 1 {
		return fmt.Errorf("max retry percent must be in [0, 1]: %f", p.MaxRetryArticlesPercent)
	}
	if p.ChunkingOverlap >= p.ChunkingTargetSize {
		return fmt.Errorf("chunk overlap %d must be below target size %d", p.ChunkingOverlap, p.ChunkingTargetSize)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
