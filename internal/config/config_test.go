package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxWorkers != 8 || cfg.Pipeline.MinWorkers != 1 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Pipeline)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("expected memory storage default, got %q", cfg.Storage.Backend)
	}
	if got := cfg.ItemDeadline(); got != 90*time.Second {
		t.Fatalf("expected 90s item deadline, got %v", got)
	}
	if got := cfg.BackoffSchedule(); len(got) != 3 || got[0] != 500*time.Millisecond {
		t.Fatalf("unexpected backoff schedule: %v", got)
	}
	if got := cfg.FlushInterval(); got != 5*time.Second {
		t.Fatalf("expected 5s flush interval, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
pipeline:
  min_workers: 2
  max_workers: 12
  max_attempts: 5
  item_deadline_seconds: 120
  backoff_schedule_ms: [100, 400]
ratelimit:
  default_rate: 2.5
  default_burst: 5
  source_rates:
    news.example.com: 0.5
load:
  high_watermark: 0.9
  low_watermark: 0.5
  high_memory_bytes: 2147483648
  low_memory_bytes: 1073741824
fetcher:
  user_agent: newswatch-test
  respect_robots: false
  timeout_seconds: 30
headless:
  enabled: true
  pool_size: 3
analyzer:
  base_url: http://analyzer:11434
  model: mistral
persist:
  max_batch_size: 64
  flush_interval_ms: 2500
storage:
  backend: gcs
  gcs_bucket: bucket
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxWorkers != 12 || cfg.Pipeline.MaxAttempts != 5 {
		t.Fatalf("expected pipeline overrides to apply: %+v", cfg.Pipeline)
	}
	if rate, ok := cfg.RateLimit.SourceRates["news.example.com"]; !ok || rate != 0.5 {
		t.Fatalf("expected per-source rate to load: %+v", cfg.RateLimit.SourceRates)
	}
	if cfg.Load.HighMemoryBytes != 2<<30 || cfg.Load.LowMemoryBytes != 1<<30 {
		t.Fatalf("expected memory thresholds to load: %+v", cfg.Load)
	}
	if cfg.Fetcher.RespectRobots {
		t.Fatalf("expected robots override to apply")
	}
	if cfg.Analyzer.Model != "mistral" {
		t.Fatalf("expected analyzer model override, got %q", cfg.Analyzer.Model)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "bucket" {
		t.Fatalf("expected gcs storage config: %+v", cfg.Storage)
	}
	if got := cfg.ItemDeadline(); got != 120*time.Second {
		t.Fatalf("expected 120s item deadline, got %v", got)
	}
	if got := cfg.BackoffSchedule(); len(got) != 2 || got[1] != 400*time.Millisecond {
		t.Fatalf("unexpected backoff schedule: %v", got)
	}
	if got := cfg.FlushInterval(); got != 2500*time.Millisecond {
		t.Fatalf("expected 2.5s flush interval, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Pipeline: PipelineConfig{
			MinWorkers:      1,
			MaxWorkers:      4,
			MaxAttempts:     3,
			ItemDeadlineSec: 90,
		},
		RateLimit: RateLimitConfig{DefaultRate: 1, DefaultBurst: 3},
		Load:      LoadConfig{HighWatermark: 0.85, LowWatermark: 0.6},
		Fetcher:   FetcherConfig{TimeoutSeconds: 15},
		Analyzer:  AnalyzerConfig{BaseURL: "http://localhost:11434"},
		Persist:   PersistConfig{MaxBatchSize: 32},
		Storage:   StorageConfig{Backend: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "workers inverted",
			cfg: func() Config {
				c := base
				c.Pipeline.MaxWorkers = 0
				return c
			}(),
			want: "pipeline.max_workers",
		},
		{
			name: "invalid attempts",
			cfg: func() Config {
				c := base
				c.Pipeline.MaxAttempts = 0
				return c
			}(),
			want: "pipeline.max_attempts",
		},
		{
			name: "bad per-source rate",
			cfg: func() Config {
				c := base
				c.RateLimit.SourceRates = map[string]float64{"bad.example.com": -1}
				return c
			}(),
			want: "ratelimit.source_rates",
		},
		{
			name: "watermarks inverted",
			cfg: func() Config {
				c := base
				c.Load.HighWatermark = 0.4
				return c
			}(),
			want: "load.high_watermark",
		},
		{
			name: "memory thresholds inverted",
			cfg: func() Config {
				c := base
				c.Load.HighMemoryBytes = 1 << 30
				c.Load.LowMemoryBytes = 2 << 30
				return c
			}(),
			want: "load.high_memory_bytes",
		},
		{
			name: "low memory threshold without high",
			cfg: func() Config {
				c := base
				c.Load.LowMemoryBytes = 1 << 30
				return c
			}(),
			want: "load.high_memory_bytes",
		},
		{
			name: "headless missing pool size",
			cfg: func() Config {
				c := base
				c.Headless.Enabled = true
				c.Headless.PoolSize = 0
				return c
			}(),
			want: "headless.pool_size",
		},
		{
			name: "gcs missing bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "unknown storage backend",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "s3"
				return c
			}(),
			want: "storage.backend",
		},
		{
			name: "pubsub missing project",
			cfg: func() Config {
				c := base
				c.PubSub.Enabled = true
				return c
			}(),
			want: "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
