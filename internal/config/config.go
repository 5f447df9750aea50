// Package config loads the orchestrator configuration from a YAML file with
// environment overrides. All durations are expressed in the units the option
// name states; components receive typed sub-structs, never the raw viper
// handle.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root orchestrator configuration.
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Router     RouterConfig     `mapstructure:"router"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Sessions   SessionConfig    `mapstructure:"sessions"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Templates  TemplateConfig   `mapstructure:"templates"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Observ     ObservConfig     `mapstructure:"observability"`
}

// PoolConfig controls the worker pool.
type PoolConfig struct {
	MaxConcurrentProcesses int             `mapstructure:"max_concurrent_processes"`
	TaskTimeoutSeconds     int             `mapstructure:"task_timeout_seconds"`
	HandshakeTimeoutSecs   int             `mapstructure:"handshake_timeout_seconds"`
	StatesDir              string          `mapstructure:"states_dir"`
	LogsDir                string          `mapstructure:"logs_dir"`
	Runtime                string          `mapstructure:"runtime"`
	Heartbeat              HeartbeatConfig `mapstructure:"heartbeat"`
}

// HeartbeatConfig controls the per-process heartbeat emitters.
type HeartbeatConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
	TimeoutSeconds  int  `mapstructure:"timeout_seconds"`
	MaxMissed       int  `mapstructure:"max_missed"`
}

// RateLimitConfig controls the sliding-window limiter.
type RateLimitConfig struct {
	ThresholdPercent float64 `mapstructure:"threshold_percent"`
}

// RouterConfig controls model routing and quality switching.
type RouterConfig struct {
	QualityThreshold float64             `mapstructure:"quality_threshold"`
	EvaluationWindow int                 `mapstructure:"evaluation_window"`
	ResponseCache    ResponseCacheConfig `mapstructure:"response_cache"`
}

// ResponseCacheConfig bounds the memoized model responses.
type ResponseCacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
	MaxEntries int `mapstructure:"max_entries"`
}

// BudgetConfig caps daily model spend.
type BudgetConfig struct {
	DailyBudgetUSD float64 `mapstructure:"daily_budget_usd"`
}

// AuditConfig controls the embedded audit store.
type AuditConfig struct {
	RetentionDays int    `mapstructure:"retention_days"`
	StoragePath   string `mapstructure:"storage_path"`
}

// EngineConfig controls planning and execution defaults.
type EngineConfig struct {
	MinConfidenceThreshold      float64 `mapstructure:"min_confidence_threshold"`
	MaxClarificationAttempts    int     `mapstructure:"max_clarification_attempts"`
	DefaultBufferPercentage     float64 `mapstructure:"default_buffer_percentage"`
	DefaultApprovalTimeoutHours int     `mapstructure:"default_approval_timeout_hours"`
	MaxRetries                  int     `mapstructure:"max_retries"`
	MaxConcurrentPerRole        int     `mapstructure:"max_concurrent_per_role"`
	HighCostThresholdUSD        float64 `mapstructure:"high_cost_threshold_usd"`
}

// SessionConfig bounds the conversation-context cache.
type SessionConfig struct {
	MaxContexts   int `mapstructure:"max_contexts"`
	MaxAgeMinutes int `mapstructure:"max_age_minutes"`
}

// CatalogConfig points at the model catalog file.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// TemplateConfig points at the workflow template directory.
type TemplateConfig struct {
	Dir             string `mapstructure:"dir"`
	EvalCacheTTLSec int    `mapstructure:"eval_cache_ttl_seconds"`
	EvalCacheSize   int    `mapstructure:"eval_cache_size"`
	WatchForChanges bool   `mapstructure:"watch_for_changes"`
}

// RedisConfig locates the redis backend for caches and contexts.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ObservConfig controls metrics, health, and tracing endpoints.
type ObservConfig struct {
	MetricsPort  int    `mapstructure:"metrics_port"`
	HealthPort   int    `mapstructure:"health_port"`
	LogLevel     string `mapstructure:"log_level"`
	Tracing      bool   `mapstructure:"tracing"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// TaskTimeout returns the per-task send timeout as a duration.
func (p PoolConfig) TaskTimeout() time.Duration {
	return time.Duration(p.TaskTimeoutSeconds) * time.Second
}

// HandshakeTimeout returns the spawn ready-signal timeout as a duration.
func (p PoolConfig) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutSecs) * time.Second
}

// Interval returns the heartbeat send interval as a duration.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// MaxAge returns the context eviction cutoff as a duration.
func (s SessionConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeMinutes) * time.Minute
}

// Retention returns the audit retention window as a duration.
func (a AuditConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.max_concurrent_processes", 50)
	v.SetDefault("pool.task_timeout_seconds", 300)
	v.SetDefault("pool.handshake_timeout_seconds", 30)
	v.SetDefault("pool.states_dir", "states")
	v.SetDefault("pool.logs_dir", "logs")
	v.SetDefault("pool.runtime", "python3")
	v.SetDefault("pool.heartbeat.enabled", true)
	v.SetDefault("pool.heartbeat.interval_seconds", 30)
	v.SetDefault("pool.heartbeat.timeout_seconds", 60)
	v.SetDefault("pool.heartbeat.max_missed", 3)
	v.SetDefault("rate_limit.threshold_percent", 90.0)
	v.SetDefault("router.quality_threshold", 0.7)
	v.SetDefault("router.evaluation_window", 10)
	v.SetDefault("router.response_cache.ttl_seconds", 3600)
	v.SetDefault("router.response_cache.max_entries", 10000)
	v.SetDefault("budget.daily_budget_usd", 100.0)
	v.SetDefault("audit.retention_days", 365)
	v.SetDefault("audit.storage_path", "orchestrator.db")
	v.SetDefault("engine.min_confidence_threshold", 0.5)
	v.SetDefault("engine.max_clarification_attempts", 3)
	v.SetDefault("engine.default_buffer_percentage", 0.20)
	v.SetDefault("engine.default_approval_timeout_hours", 24)
	v.SetDefault("engine.max_retries", 5)
	v.SetDefault("engine.max_concurrent_per_role", 5)
	v.SetDefault("engine.high_cost_threshold_usd", 1000.0)
	v.SetDefault("sessions.max_contexts", 1000)
	v.SetDefault("sessions.max_age_minutes", 1440)
	v.SetDefault("catalog.path", "config/models.yaml")
	v.SetDefault("templates.dir", "config/templates")
	v.SetDefault("templates.eval_cache_ttl_seconds", 300)
	v.SetDefault("templates.eval_cache_size", 512)
	v.SetDefault("templates.watch_for_changes", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("observability.metrics_port", 2112)
	v.SetDefault("observability.health_port", 8081)
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.tracing", false)
	v.SetDefault("observability.otlp_endpoint", "localhost:4317")
}

// Load reads configuration from path, or from ORCHESTRATOR_CONFIG when path is
// empty. A missing file is not an error; defaults and environment overrides
// still apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ORCHESTRATOR_CONFIG")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				if !os.IsNotExist(err) {
					return nil, fmt.Errorf("read config %s: %w", path, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Pool.MaxConcurrentProcesses <= 0 {
		return fmt.Errorf("pool.max_concurrent_processes must be positive, got %d", c.Pool.MaxConcurrentProcesses)
	}
	if c.RateLimit.ThresholdPercent <= 0 || c.RateLimit.ThresholdPercent > 100 {
		return fmt.Errorf("rate_limit.threshold_percent must be in (0,100], got %f", c.RateLimit.ThresholdPercent)
	}
	if c.Router.EvaluationWindow <= 0 {
		return fmt.Errorf("router.evaluation_window must be positive, got %d", c.Router.EvaluationWindow)
	}
	if c.Engine.DefaultBufferPercentage < 0 {
		return fmt.Errorf("engine.default_buffer_percentage must not be negative")
	}
	return nil
}
