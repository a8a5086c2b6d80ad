// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Rotator   RotatorConfig   `mapstructure:"rotator"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	AI        AIConfig        `mapstructure:"ai"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dedupe    DedupeConfig    `mapstructure:"dedupe"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Document store backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StorageConfig selects where the pool, accounts and pending deliveries live.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// RedisConfig configures the redis document store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PostgresConfig configures the postgres document store and job history.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// ArtifactsConfig sets where exports are written and optionally mirrored.
type ArtifactsConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	MirrorDir string `mapstructure:"mirror_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// QuotaConfig holds the daily job limits per tier.
type QuotaConfig struct {
	DailyLimitTrial int    `mapstructure:"daily_limit_trial"`
	DailyLimitPaid  int    `mapstructure:"daily_limit_paid"`
	Timezone        string `mapstructure:"timezone"`
}

// JobsConfig tunes job execution.
type JobsConfig struct {
	TrialResultLimit        int    `mapstructure:"trial_result_limit"`
	MaxResultsDefault       int    `mapstructure:"max_results_default"`
	MaxResultsCap           int    `mapstructure:"max_results_cap"`
	AutosaveIntervalSeconds int    `mapstructure:"autosave_interval_seconds"`
	DeliveryTimeoutSeconds  int    `mapstructure:"delivery_timeout_seconds"`
	DefaultFormat           string `mapstructure:"default_format"`
	HistorySize             int    `mapstructure:"history_size"`
}

// RotatorConfig sets the transient retry backoff.
type RotatorConfig struct {
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// SearchConfig configures the web search API.
type SearchConfig struct {
	EngineID string `mapstructure:"engine_id"`
	Endpoint string `mapstructure:"endpoint"`
	PageSize int    `mapstructure:"page_size"`
	MaxPages int    `mapstructure:"max_pages"`
	MaxSites int    `mapstructure:"max_sites"`
}

// FetchConfig configures static page fetching.
type FetchConfig struct {
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	RatePerHost    float64  `mapstructure:"rate_per_host"`
	Burst          int      `mapstructure:"burst"`
	RespectRobots  bool     `mapstructure:"respect_robots"`
	ContactPaths   []string `mapstructure:"contact_paths"`
}

// HeadlessConfig configures the headless renderer.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	MinTextBytes  int  `mapstructure:"min_text_bytes"`
}

// AIConfig configures enrichment.
type AIConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Model     string `mapstructure:"model"`
	BatchSize int    `mapstructure:"batch_size"`
}

// Delivery backends.
const (
	DeliveryLog    = "log"
	DeliveryPubSub = "pubsub"
)

// DeliveryConfig selects how finished artifacts are handed off.
type DeliveryConfig struct {
	Backend   string `mapstructure:"backend"`
	Topic     string `mapstructure:"topic"`
	ProjectID string `mapstructure:"project_id"`
}

// SchedulerConfig sets the pending delivery drain schedule.
type SchedulerConfig struct {
	DrainSchedule string `mapstructure:"drain_schedule"`
}

// DedupeConfig selects phone normalization rules.
type DedupeConfig struct {
	CountryCode string `mapstructure:"country_code"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEADSCOUT")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_grace_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.dir", "data")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "leadscout:")
	v.SetDefault("postgres.history_limit", 50)
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("artifacts.prefix", "artifacts")
	v.SetDefault("quota.daily_limit_trial", 1)
	v.SetDefault("quota.daily_limit_paid", 4)
	v.SetDefault("quota.timezone", "UTC")
	v.SetDefault("jobs.trial_result_limit", 10)
	v.SetDefault("jobs.max_results_default", 50)
	v.SetDefault("jobs.max_results_cap", 500)
	v.SetDefault("jobs.autosave_interval_seconds", 30)
	v.SetDefault("jobs.delivery_timeout_seconds", 120)
	v.SetDefault("jobs.default_format", "xlsx")
	v.SetDefault("jobs.history_size", 50)
	v.SetDefault("rotator.backoff_initial_ms", 500)
	v.SetDefault("rotator.backoff_max_ms", 4000)
	v.SetDefault("search.page_size", 10)
	v.SetDefault("search.max_pages", 3)
	v.SetDefault("search.max_sites", 30)
	v.SetDefault("fetch.user_agent", "leadscout/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.rate_per_host", 1.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.contact_paths", []string{"/contact", "/contact-us"})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.min_text_bytes", 200)
	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.model", "gemini-1.5-flash")
	v.SetDefault("ai.batch_size", 10)
	v.SetDefault("delivery.backend", DeliveryLog)
	v.SetDefault("scheduler.drain_schedule", "@every 5m")
	v.SetDefault("dedupe.country_code", "212")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir must be set for the file backend")
		}
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr must be set for the redis backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of file, memory, redis, postgres", c.Storage.Backend)
	}
	if c.Artifacts.Dir == "" {
		return errors.New("artifacts.dir must be set")
	}
	if c.Quota.DailyLimitTrial <= 0 || c.Quota.DailyLimitPaid <= 0 {
		return errors.New("quota.daily_limit_trial and quota.daily_limit_paid must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Jobs.MaxResultsDefault <= 0 || c.Jobs.MaxResultsCap < c.Jobs.MaxResultsDefault {
		return errors.New("jobs.max_results_default must be > 0 and <= jobs.max_results_cap")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return errors.New("fetch.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Delivery.Backend {
	case DeliveryLog:
	case DeliveryPubSub:
		if c.Delivery.ProjectID == "" || c.Delivery.Topic == "" {
			return errors.New("delivery.project_id and delivery.topic must be set for pubsub delivery")
		}
	default:
		return fmt.Errorf("delivery.backend %q is not one of log, pubsub", c.Delivery.Backend)
	}
	return nil
}

// Location resolves quota.timezone; the daily gate resets at midnight there.
func (c Config) Location() (*time.Location, error) {
	name := c.Quota.Timezone
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("quota.timezone %q: %w", name, err)
	}
	return loc, nil
}

// FetchTimeout is the per-page fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// Backoff returns the rotator's initial and maximum transient backoff.
func (c Config) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.Rotator.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Rotator.BackoffMaxMs) * time.Millisecond
}

// Seconds converts a seconds knob to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
