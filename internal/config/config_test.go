package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 5 || cfg.Crawler.ChunkSize != 20 || cfg.Crawler.FlushThreshold != 500 {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.Request.RetryTimes != 5 || cfg.Request.Sleep() != 30*time.Second {
		t.Fatalf("unexpected request defaults: %+v", cfg.Request)
	}
	if cfg.Sink.Type != SinkJSON || cfg.Ledger.Path != "retry_info.json" {
		t.Fatalf("unexpected persistence defaults: %+v %+v", cfg.Sink, cfg.Ledger)
	}
	if cfg.Logging.MaxSizeMB != 1 || cfg.Logging.MaxBackups != 1 || cfg.Logging.DrainGrace != 5*time.Second {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
site: yahoomovie
crawler:
  workers: 8
  chunk_size: 50
  upper_limit: 100
request:
  retry_times: 3
  sleep_seconds: 2
  proxy_countries: [tw, jp]
  headers:
    x-api-key: abc
sink:
  type: postgres
  postgres:
    dsn: postgres://localhost/harvest
    table: crawl.movies
    columns: [url, movie_id]
    max_conn_lifetime: 30m
ledger:
  type: redis
  redis:
    addr: redis:6379
logging:
  development: false
  drain_grace: 2s
telemetry:
  enabled: true
  project_id: demo
  sample_ratio: 0.25
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site != "yahoomovie" || cfg.Crawler.Workers != 8 || cfg.Crawler.UpperLimit != 100 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg)
	}
	if cfg.Request.RetryTimes != 3 || len(cfg.Request.ProxyCountries) != 2 || cfg.Request.Headers["x-api-key"] != "abc" {
		t.Fatalf("expected request overrides to apply: %+v", cfg.Request)
	}
	if cfg.Sink.Postgres.Table != "crawl.movies" || cfg.Sink.Postgres.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("expected postgres overrides to apply: %+v", cfg.Sink.Postgres)
	}
	if cfg.Ledger.Type != LedgerRedis || cfg.Ledger.Redis.Key != "harvest:retry" {
		t.Fatalf("expected redis ledger with default key: %+v", cfg.Ledger)
	}
	if cfg.Logging.DrainGrace != 2*time.Second || cfg.Logging.Development {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.ProjectID != "demo" || cfg.Telemetry.ServiceName != "listing-harvester" {
		t.Fatalf("expected telemetry overrides to apply: %+v", cfg.Telemetry)
	}
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("HARVEST_CRAWLER_CHUNK_SIZE", "7")
	t.Setenv("HARVEST_SINK_DIR", "/tmp/out")

	flags := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	flags.IntP("processes", "p", 5, "")
	flags.IntP("upper_limit", "u", 12900, "")
	flags.String("site", "", "")
	if err := flags.Parse([]string{"-p", "12", "--site", "underarmour"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 12 || cfg.Site != "underarmour" {
		t.Fatalf("expected explicit flags to apply: %+v", cfg)
	}
	if cfg.Crawler.UpperLimit != 12900 {
		t.Fatalf("expected unset flag to keep default, got %d", cfg.Crawler.UpperLimit)
	}
	if cfg.Crawler.ChunkSize != 7 || cfg.Sink.Dir != "/tmp/out" {
		t.Fatalf("expected env overrides to apply: %+v %+v", cfg.Crawler, cfg.Sink)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Crawler: CrawlerConfig{Workers: 1, ChunkSize: 1, FlushThreshold: 1},
		Request: RequestConfig{RetryTimes: 1, TimeoutSeconds: 1},
		Sink:    SinkConfig{Type: SinkJSON},
		Ledger:  LedgerConfig{Type: LedgerFile},
		Logging: LoggingConfig{QueueSize: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"invalid chunk size", func(c *Config) { c.Crawler.ChunkSize = 0 }, "crawler.chunk_size"},
		{"invalid flush threshold", func(c *Config) { c.Crawler.FlushThreshold = -1 }, "crawler.flush_threshold"},
		{"negative concurrency", func(c *Config) { c.Crawler.WorkerConcurrency = -1 }, "crawler.worker_concurrency"},
		{"invalid retries", func(c *Config) { c.Request.RetryTimes = 0 }, "request.retry_times"},
		{"negative sleep", func(c *Config) { c.Request.SleepSeconds = -1 }, "request.sleep_seconds"},
		{"invalid timeout", func(c *Config) { c.Request.TimeoutSeconds = 0 }, "request.timeout_seconds"},
		{"unknown sink", func(c *Config) { c.Sink.Type = "mongo" }, "sink.type"},
		{"postgres without dsn", func(c *Config) { c.Sink.Type = SinkPostgres }, "sink.postgres.dsn"},
		{"gcs without bucket", func(c *Config) { c.Sink.Type = SinkGCS }, "sink.gcs.bucket"},
		{"pubsub without topic", func(c *Config) { c.Sink.Type = SinkPubSub }, "sink.pubsub"},
		{"unknown ledger", func(c *Config) { c.Ledger.Type = "s3" }, "ledger.type"},
		{"redis without addr", func(c *Config) { c.Ledger.Type = LedgerRedis }, "ledger.redis.addr"},
		{"invalid queue", func(c *Config) { c.Logging.QueueSize = 0 }, "logging.queue_size"},
		{"invalid ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
