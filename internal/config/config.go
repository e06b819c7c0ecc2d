// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Backend selectors.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendNone     = "none"
	BackendHeadless = "headless"
	BackendColly    = "colly"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Health    HealthConfig    `mapstructure:"health"`
	Backend   BackendConfig   `mapstructure:"backend"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Workers   WorkersConfig   `mapstructure:"workers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig picks the job, source and article store implementation.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// QueueConfig picks the task queue and sizes it.
type QueueConfig struct {
	Backend  string      `mapstructure:"backend"`
	Capacity int         `mapstructure:"capacity"`
	Name     string      `mapstructure:"name"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig locates the Redis instance behind asynq.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig sets where raw HTML snapshots are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for completion events.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// JobsConfig holds retry and retention knobs.
type JobsConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	RetryJitterMin   time.Duration `mapstructure:"retry_jitter_min"`
	RetryJitterMax   time.Duration `mapstructure:"retry_jitter_max"`
	StaleRetryWindow time.Duration `mapstructure:"stale_retry_window"`
	RetentionHorizon time.Duration `mapstructure:"retention_horizon"`
	JitterSeed       uint64        `mapstructure:"jitter_seed"`
}

// SchedulerConfig sizes dispatch and sets the cron sweeps run by serve.
type SchedulerConfig struct {
	DispatchBatchLimit   int           `mapstructure:"dispatch_batch_limit"`
	QueueDepthThreshold  int           `mapstructure:"queue_depth_threshold"`
	FailedDepthThreshold int           `mapstructure:"failed_depth_threshold"`
	ScheduleAllJitter    time.Duration `mapstructure:"schedule_all_jitter"`
	DispatchCron         string        `mapstructure:"dispatch_cron"`
	RetryStaleCron       string        `mapstructure:"retry_stale_cron"`
	PurgeCron            string        `mapstructure:"purge_cron"`
	TiersCron            string        `mapstructure:"tiers_cron"`
}

// FanoutConfig bounds URL fan-out per job.
type FanoutConfig struct {
	MaxPerJob      int `mapstructure:"max_per_job"`
	MaxURLLength   int `mapstructure:"max_url_length"`
	MaxQueryParams int `mapstructure:"max_query_params"`
}

// HealthConfig sets the degradation thresholds for system stats.
type HealthConfig struct {
	FailureRate    float64 `mapstructure:"failure_rate"`
	PendingLimit   int     `mapstructure:"pending_limit"`
	ProcessedRatio float64 `mapstructure:"processed_ratio"`
}

// BackendConfig configures the extraction backends. UserAgents, when set,
// rotates the HTTP backend's agent per request. Headers go out with every
// fetch from either backend.
type BackendConfig struct {
	Primary       string            `mapstructure:"primary"`
	UserAgent     string            `mapstructure:"user_agent"`
	UserAgents    []string          `mapstructure:"user_agents"`
	Headers       map[string]string `mapstructure:"headers"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxBodyBytes  int               `mapstructure:"max_body_bytes"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Headless      HeadlessConfig    `mapstructure:"headless"`
}

// HTTPHeaders returns Headers in canonical http.Header form.
func (c BackendConfig) HTTPHeaders() http.Header {
	if len(c.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Headers))
	for name, value := range c.Headers {
		h.Set(name, value)
	}
	return h
}

// HeadlessConfig configures the headless rendering backend. Promote re-fetches
// script-shell pages through Chrome when colly is the primary backend.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	Promote     bool          `mapstructure:"promote"`
}

// RateLimitConfig sets per-domain request rates.
type RateLimitConfig struct {
	RPS       float64            `mapstructure:"rps"`
	Burst     int                `mapstructure:"burst"`
	PerDomain map[string]float64 `mapstructure:"per_domain"`
}

// DiscoveryConfig bounds a discovery run.
type DiscoveryConfig struct {
	MaxURLs         int  `mapstructure:"max_urls"`
	MaxSitemaps     int  `mapstructure:"max_sitemaps"`
	MaxSitemapDepth int  `mapstructure:"max_sitemap_depth"`
	SameHostOnly    bool `mapstructure:"same_host_only"`
}

// WorkersConfig sizes the worker pool and synchronous processing.
type WorkersConfig struct {
	Count        int `mapstructure:"count"`
	ProcessBatch int `mapstructure:"process_batch"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.name", "crawl")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.local_dir", "data/raw")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("jobs.max_retries", crawler.DefaultMaxRetries)
	v.SetDefault("jobs.backoff_base", "1m")
	v.SetDefault("jobs.backoff_max", "1h")
	v.SetDefault("jobs.retry_jitter_min", "1m")
	v.SetDefault("jobs.retry_jitter_max", "5m")
	v.SetDefault("jobs.stale_retry_window", crawler.DefaultStaleRetryWindow.String())
	v.SetDefault("jobs.retention_horizon", crawler.DefaultRetentionHorizon.String())
	v.SetDefault("scheduler.dispatch_batch_limit", crawler.DefaultDispatchBatchLimit)
	v.SetDefault("scheduler.queue_depth_threshold", 1000)
	v.SetDefault("scheduler.failed_depth_threshold", 50)
	v.SetDefault("scheduler.schedule_all_jitter", "60m")
	v.SetDefault("scheduler.dispatch_cron", "@every 30s")
	v.SetDefault("scheduler.retry_stale_cron", "@every 15m")
	v.SetDefault("scheduler.purge_cron", "@daily")
	v.SetDefault("scheduler.tiers_cron", "@hourly")
	v.SetDefault("fanout.max_per_job", 50)
	v.SetDefault("fanout.max_url_length", 2048)
	v.SetDefault("fanout.max_query_params", 10)
	v.SetDefault("health.failure_rate", 0.2)
	v.SetDefault("health.pending_limit", 1000)
	v.SetDefault("health.processed_ratio", 0.8)
	v.SetDefault("backend.primary", BackendHeadless)
	v.SetDefault("backend.user_agent", "crawl-orchestrator/0.1")
	v.SetDefault("backend.timeout", "15s")
	v.SetDefault("backend.max_body_bytes", 10<<20)
	v.SetDefault("backend.respect_robots", true)
	v.SetDefault("backend.headless.enabled", false)
	v.SetDefault("backend.headless.max_parallel", 1)
	v.SetDefault("backend.headless.nav_timeout", "45s")
	v.SetDefault("backend.headless.settle_delay", "500ms")
	v.SetDefault("backend.headless.promote", true)
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("discovery.max_urls", 500)
	v.SetDefault("discovery.max_sitemaps", 10)
	v.SetDefault("discovery.max_sitemap_depth", 2)
	v.SetDefault("discovery.same_host_only", true)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.process_batch", 10)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory:
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case BackendRedis:
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for local storage")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.Backend.Primary != BackendHeadless && c.Backend.Primary != BackendColly {
		return fmt.Errorf("backend.primary %q is not supported", c.Backend.Primary)
	}
	if c.Backend.Headless.Enabled && c.Backend.Headless.MaxParallel <= 0 {
		return fmt.Errorf("backend.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Jobs.MaxRetries <= 0 {
		return fmt.Errorf("jobs.max_retries must be > 0")
	}
	if c.Jobs.RetryJitterMax < c.Jobs.RetryJitterMin {
		return fmt.Errorf("jobs.retry_jitter_max must be >= jobs.retry_jitter_min")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Health.FailureRate <= 0 || c.Health.FailureRate > 1 {
		return fmt.Errorf("health.failure_rate must be within (0, 1]")
	}
	return nil
}
