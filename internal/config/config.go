// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-harvester/internal/telemetry"
)

// Sink and ledger backends.
const (
	SinkJSON     = "json"
	SinkCSV      = "csv"
	SinkPostgres = "postgres"
	SinkGCS      = "gcs"
	SinkPubSub   = "pubsub"

	LedgerFile  = "file"
	LedgerRedis = "redis"
)

// Config captures every harvester knob.
type Config struct {
	Site      string           `mapstructure:"site"`
	Crawler   CrawlerConfig    `mapstructure:"crawler"`
	Request   RequestConfig    `mapstructure:"request"`
	Sink      SinkConfig       `mapstructure:"sink"`
	Ledger    LedgerConfig     `mapstructure:"ledger"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// CrawlerConfig governs the worker pool and the work item stream.
type CrawlerConfig struct {
	Workers           int    `mapstructure:"workers"`
	ChunkSize         int    `mapstructure:"chunk_size"`
	FlushThreshold    int    `mapstructure:"flush_threshold"`
	WorkerConcurrency int    `mapstructure:"worker_concurrency"`
	MaxRounds         int    `mapstructure:"max_rounds"`
	UpperLimit        int    `mapstructure:"upper_limit"`
	InputFile         string `mapstructure:"input_file"`
}

// RequestConfig configures the request engine and its rotation sources.
type RequestConfig struct {
	RetryTimes       int               `mapstructure:"retry_times"`
	SleepSeconds     int               `mapstructure:"sleep_seconds"`
	TimeoutSeconds   int               `mapstructure:"timeout_seconds"`
	DefaultHeaders   bool              `mapstructure:"default_headers"`
	BaseURL          string            `mapstructure:"base_url"`
	Headers          map[string]string `mapstructure:"headers"`
	Cookies          map[string]string `mapstructure:"cookies"`
	ProxyCountries   []string          `mapstructure:"proxy_countries"`
	RatePerHost      float64           `mapstructure:"rate_per_host"`
	UserAgentFile    string            `mapstructure:"user_agent_file"`
	UserAgentOS      string            `mapstructure:"user_agent_os"`
	UserAgentBrowser string            `mapstructure:"user_agent_browser"`
	ProxyFile        string            `mapstructure:"proxy_file"`
}

// Sleep is the pause between attempts.
func (r RequestConfig) Sleep() time.Duration {
	return time.Duration(r.SleepSeconds) * time.Second
}

// Timeout bounds a single attempt.
func (r RequestConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// SinkConfig selects and configures the item sink.
type SinkConfig struct {
	Type     string         `mapstructure:"type"`
	Dir      string         `mapstructure:"dir"`
	FileName string         `mapstructure:"file_name"`
	Fields   []string       `mapstructure:"fields"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// PostgresConfig controls the Postgres sink.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	Columns         []string      `mapstructure:"columns"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// GCSConfig controls the bucket sink.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds the topic items are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LedgerConfig selects the retry ledger backend.
type LedgerConfig struct {
	Type  string      `mapstructure:"type"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the redis ledger.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// LoggingConfig controls the root logger and the log relay.
type LoggingConfig struct {
	Development bool          `mapstructure:"development"`
	Dir         string        `mapstructure:"dir"`
	MaxSizeMB   int           `mapstructure:"max_size_mb"`
	MaxBackups  int           `mapstructure:"max_backups"`
	QueueSize   int           `mapstructure:"queue_size"`
	DrainGrace  time.Duration `mapstructure:"drain_grace"`
}

// MetricsConfig enables the status server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"site":        "site",
	"processes":   "crawler.workers",
	"chunk_size":  "crawler.chunk_size",
	"upper_limit": "crawler.upper_limit",
}

// Load builds a Config from defaults, the optional file at path, HARVEST_*
// environment variables and, when flags is non-nil, the CLI flags the user
// set explicitly.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
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
	v.SetDefault("site", "")
	v.SetDefault("crawler.workers", 5)
	v.SetDefault("crawler.chunk_size", 20)
	v.SetDefault("crawler.flush_threshold", 500)
	v.SetDefault("crawler.worker_concurrency", 0)
	v.SetDefault("crawler.max_rounds", 3)
	v.SetDefault("crawler.upper_limit", 12900)
	v.SetDefault("crawler.input_file", "")
	v.SetDefault("request.retry_times", 5)
	v.SetDefault("request.sleep_seconds", 30)
	v.SetDefault("request.timeout_seconds", 30)
	v.SetDefault("request.default_headers", true)
	v.SetDefault("request.base_url", "")
	v.SetDefault("request.proxy_countries", []string{})
	v.SetDefault("request.rate_per_host", 0)
	v.SetDefault("request.user_agent_file", "user_agents.json")
	v.SetDefault("request.user_agent_os", "macos")
	v.SetDefault("request.user_agent_browser", "chrome")
	v.SetDefault("request.proxy_file", "proxies.json")
	v.SetDefault("sink.type", SinkJSON)
	v.SetDefault("sink.dir", "data")
	v.SetDefault("sink.file_name", "")
	v.SetDefault("sink.fields", []string{})
	v.SetDefault("sink.postgres.table", "listings")
	v.SetDefault("sink.postgres.max_conns", 4)
	v.SetDefault("sink.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("sink.gcs.prefix", "harvest")
	v.SetDefault("ledger.type", LedgerFile)
	v.SetDefault("ledger.path", "retry_info.json")
	v.SetDefault("ledger.redis.addr", "localhost:6379")
	v.SetDefault("ledger.redis.key", "harvest:retry")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.dir", "logs")
	v.SetDefault("logging.max_size_mb", 1)
	v.SetDefault("logging.max_backups", 1)
	v.SetDefault("logging.queue_size", 4096)
	v.SetDefault("logging.drain_grace", 5*time.Second)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "listing-harvester")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.ChunkSize <= 0 {
		return fmt.Errorf("crawler.chunk_size must be > 0")
	}
	if c.Crawler.FlushThreshold <= 0 {
		return fmt.Errorf("crawler.flush_threshold must be > 0")
	}
	if c.Crawler.WorkerConcurrency < 0 {
		return fmt.Errorf("crawler.worker_concurrency must be >= 0")
	}
	if c.Request.RetryTimes <= 0 {
		return fmt.Errorf("request.retry_times must be > 0")
	}
	if c.Request.SleepSeconds < 0 {
		return fmt.Errorf("request.sleep_seconds must be >= 0")
	}
	if c.Request.TimeoutSeconds <= 0 {
		return fmt.Errorf("request.timeout_seconds must be > 0")
	}
	switch c.Sink.Type {
	case SinkJSON:
	case SinkCSV:
	case SinkPostgres:
		if c.Sink.Postgres.DSN == "" || len(c.Sink.Postgres.Columns) == 0 {
			return fmt.Errorf("sink.postgres.dsn and sink.postgres.columns must be set for the postgres sink")
		}
	case SinkGCS:
		if c.Sink.GCS.Bucket == "" {
			return fmt.Errorf("sink.gcs.bucket must be set for the gcs sink")
		}
	case SinkPubSub:
		if c.Sink.PubSub.ProjectID == "" || c.Sink.PubSub.TopicID == "" {
			return fmt.Errorf("sink.pubsub.project_id and sink.pubsub.topic_id must be set for the pubsub sink")
		}
	default:
		return fmt.Errorf("sink.type %q is not one of %v", c.Sink.Type, []string{SinkJSON, SinkCSV, SinkPostgres, SinkGCS, SinkPubSub})
	}
	if !slices.Contains([]string{LedgerFile, LedgerRedis}, c.Ledger.Type) {
		return fmt.Errorf("ledger.type %q is not one of [file redis]", c.Ledger.Type)
	}
	if c.Ledger.Type == LedgerRedis && c.Ledger.Redis.Addr == "" {
		return fmt.Errorf("ledger.redis.addr must be set for the redis ledger")
	}
	if c.Logging.QueueSize <= 0 {
		return fmt.Errorf("logging.queue_size must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}
