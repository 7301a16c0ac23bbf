// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Load      LoadConfig      `mapstructure:"load"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Persist   PersistConfig   `mapstructure:"persist"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PipelineConfig governs orchestrator behavior.
type PipelineConfig struct {
	MinWorkers         int   `mapstructure:"min_workers"`
	MaxWorkers         int   `mapstructure:"max_workers"`
	MaxAttempts        int   `mapstructure:"max_attempts"`
	ItemDeadlineSec    int   `mapstructure:"item_deadline_seconds"`
	BackoffScheduleMs  []int `mapstructure:"backoff_schedule_ms"`
	PollIntervalMs     int   `mapstructure:"poll_interval_ms"`
	IntakeBatchSize    int   `mapstructure:"intake_batch_size"`
	MinContentBytes    int   `mapstructure:"min_content_bytes"`
	ImportantThreshold int   `mapstructure:"important_threshold"`
}

// RateLimitConfig sets per-source token bucket parameters.
type RateLimitConfig struct {
	DefaultRate  float64            `mapstructure:"default_rate"`
	DefaultBurst int                `mapstructure:"default_burst"`
	SourceRates  map[string]float64 `mapstructure:"source_rates"`
}

// LoadConfig tunes the adaptive load controller. CPU watermarks are fractions
// of total capacity; memory thresholds are absolute bytes and leave memory
// gating off when zero.
type LoadConfig struct {
	HighWatermark     float64 `mapstructure:"high_watermark"`
	LowWatermark      float64 `mapstructure:"low_watermark"`
	HighMemoryBytes   uint64  `mapstructure:"high_memory_bytes"`
	LowMemoryBytes    uint64  `mapstructure:"low_memory_bytes"`
	SampleIntervalSec int     `mapstructure:"sample_interval_seconds"`
	HistorySize       int     `mapstructure:"history_size"`
}

// FetcherConfig configures the fast HTTP fetch path.
type FetcherConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PoolSize       int  `mapstructure:"pool_size"`
	SessionMaxUses int  `mapstructure:"session_max_uses"`
	NavTimeoutSec  int  `mapstructure:"nav_timeout_seconds"`
}

// AnalyzerConfig points at the local model server used for analysis.
type AnalyzerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxInputBytes  int    `mapstructure:"max_input_bytes"`
}

// PersistConfig controls outcome batching.
type PersistConfig struct {
	MaxBatchSize    int `mapstructure:"max_batch_size"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
}

// StorageConfig selects the raw-content blob backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // gcs, local, or memory
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	ArticlesTable   string `mapstructure:"articles_table"`
	WorkItemsTable  string `mapstructure:"work_items_table"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeSec int    `mapstructure:"conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ProjectID  string `mapstructure:"project_id"`
	AlertTopic string `mapstructure:"alert_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSWATCH")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.min_workers", 1)
	v.SetDefault("pipeline.max_workers", 8)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.item_deadline_seconds", 90)
	v.SetDefault("pipeline.backoff_schedule_ms", []int{500, 2000, 8000})
	v.SetDefault("pipeline.poll_interval_ms", 500)
	v.SetDefault("pipeline.intake_batch_size", 16)
	v.SetDefault("pipeline.min_content_bytes", 256)
	v.SetDefault("pipeline.important_threshold", 8)
	v.SetDefault("ratelimit.default_rate", 1.0)
	v.SetDefault("ratelimit.default_burst", 3)
	v.SetDefault("load.high_watermark", 0.85)
	v.SetDefault("load.low_watermark", 0.60)
	v.SetDefault("load.sample_interval_seconds", 5)
	v.SetDefault("load.history_size", 100)
	v.SetDefault("fetcher.user_agent", "newswatch-ingest/0.1")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.pool_size", 2)
	v.SetDefault("headless.session_max_uses", 25)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("analyzer.base_url", "http://localhost:11434")
	v.SetDefault("analyzer.model", "llama3.1")
	v.SetDefault("analyzer.timeout_seconds", 60)
	v.SetDefault("analyzer.max_input_bytes", 16384)
	v.SetDefault("persist.max_batch_size", 32)
	v.SetDefault("persist.flush_interval_ms", 5000)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.articles_table", "articles")
	v.SetDefault("db.work_items_table", "work_items")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_seconds", 1800)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.alert_topic", "important-news")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.MinWorkers <= 0 {
		return fmt.Errorf("pipeline.min_workers must be > 0")
	}
	if c.Pipeline.MaxWorkers < c.Pipeline.MinWorkers {
		return fmt.Errorf("pipeline.max_workers must be >= pipeline.min_workers")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	if c.Pipeline.ItemDeadlineSec <= 0 {
		return fmt.Errorf("pipeline.item_deadline_seconds must be > 0")
	}
	if c.RateLimit.DefaultRate <= 0 {
		return fmt.Errorf("ratelimit.default_rate must be > 0")
	}
	if c.RateLimit.DefaultBurst <= 0 {
		return fmt.Errorf("ratelimit.default_burst must be > 0")
	}
	for source, rate := range c.RateLimit.SourceRates {
		if rate <= 0 {
			return fmt.Errorf("ratelimit.source_rates[%s] must be > 0", source)
		}
	}
	if c.Load.HighWatermark <= c.Load.LowWatermark {
		return fmt.Errorf("load.high_watermark must be > load.low_watermark")
	}
	if c.Load.HighWatermark > 1 || c.Load.LowWatermark <= 0 {
		return fmt.Errorf("load watermarks must be within (0, 1]")
	}
	if c.Load.HighMemoryBytes > 0 && c.Load.LowMemoryBytes >= c.Load.HighMemoryBytes {
		return fmt.Errorf("load.high_memory_bytes must be > load.low_memory_bytes")
	}
	if c.Load.LowMemoryBytes > 0 && c.Load.HighMemoryBytes == 0 {
		return fmt.Errorf("load.high_memory_bytes must be set when load.low_memory_bytes is")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.PoolSize <= 0 {
		return fmt.Errorf("headless.pool_size must be > 0 when headless is enabled")
	}
	if c.Analyzer.BaseURL == "" {
		return fmt.Errorf("analyzer.base_url must be set")
	}
	if c.Persist.MaxBatchSize <= 0 {
		return fmt.Errorf("persist.max_batch_size must be > 0")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be one of gcs, local, memory")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	return nil
}

// ItemDeadline returns the per-item processing budget as a duration.
func (c Config) ItemDeadline() time.Duration {
	return time.Duration(c.Pipeline.ItemDeadlineSec) * time.Second
}

// BackoffSchedule converts the configured millisecond schedule into durations.
func (c Config) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Pipeline.BackoffScheduleMs))
	for _, ms := range c.Pipeline.BackoffScheduleMs {
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}

// FlushInterval returns the persister flush cadence.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Persist.FlushIntervalMs) * time.Millisecond
}
