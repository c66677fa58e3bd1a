package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete crawlgate configuration
type Config struct {
	Rate         RateConfig         `mapstructure:"rate"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Sessions     SessionConfig      `mapstructure:"sessions"`
	Pressure     PressureConfig     `mapstructure:"pressure"`
	Recovery     RecoveryConfig     `mapstructure:"recovery"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Sink         SinkConfig         `mapstructure:"sink"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// RateConfig controls per-domain adaptive rate limiting
type RateConfig struct {
	// TargetSuccessRate is the rolling success rate the controller steers
	// toward; above it the rate grows, below 0.8x it shrinks (default: 0.9)
	TargetSuccessRate float64 `mapstructure:"target_success_rate"`
	// DefaultClass is the class assigned to domains no suffix rule matches
	// (default: "business")
	DefaultClass string `mapstructure:"default_class"`
	// Classes maps class names to their pacing parameters.
	// The default set covers search, business, social, and government domains.
	Classes map[string]ClassConfig `mapstructure:"classes"`
}

// ClassConfig holds the pacing parameters for one domain class
type ClassConfig struct {
	// BaseRPM is the starting requests-per-minute for domains of this class
	BaseRPM float64 `mapstructure:"base_rpm"`
	// BurstRPM is the elevated rate allowed inside an active burst window
	BurstRPM float64 `mapstructure:"burst_rpm"`
	// BurstSeconds is the length of a burst window in seconds
	BurstSeconds int `mapstructure:"burst_seconds"`
	// Suffixes are hostname suffixes that classify a domain into this class
	Suffixes []string `mapstructure:"suffixes"`
}

// BurstDuration returns the burst window length as a time.Duration
func (c *ClassConfig) BurstDuration() time.Duration {
	return time.Duration(c.BurstSeconds) * time.Second
}

// IdentityConfig controls the identity pool
type IdentityConfig struct {
	// Endpoints is the set of proxy identities available to the pool
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
	// FailureThreshold is the number of consecutive failures that sends an
	// identity into cooldown (default: 5)
	FailureThreshold int `mapstructure:"failure_threshold"`
	// CooldownSeconds is how long an identity rests after entering cooldown
	// (default: 300)
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
	// ProbationSuccesses is the number of successes an identity must record
	// after cooldown before its selection weight is fully restored (default: 3)
	ProbationSuccesses int `mapstructure:"probation_successes"`
}

// EndpointConfig describes a single proxy identity
type EndpointConfig struct {
	// Endpoint is the proxy address, e.g. "10.0.0.1:8080"
	Endpoint string `mapstructure:"endpoint"`
	// Fingerprint is the browser fingerprint profile bound to this identity
	Fingerprint string `mapstructure:"fingerprint"`
}

// Cooldown returns the cooldown duration as a time.Duration
func (c *IdentityConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// SessionConfig controls the execution session pool
type SessionConfig struct {
	// MaxPoolSize is the fixed capacity of the session arena (default: 8)
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// LifetimeCap is the number of tasks a session may serve before it is
	// retired (default: 50)
	LifetimeCap int `mapstructure:"lifetime_cap"`
	// AcquireTimeoutSeconds bounds how long an acquire waits for a free
	// session before failing (default: 10)
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
}

// AcquireTimeout returns the acquire timeout as a time.Duration
func (c *SessionConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// PressureConfig controls memory pressure monitoring
type PressureConfig struct {
	// MaxMemoryMB is the memory budget the RSS ratio is computed against
	// (default: 1024)
	MaxMemoryMB int `mapstructure:"max_memory_mb"`
	// SampleIntervalMs is how often memory is sampled (default: 3000)
	SampleIntervalMs int `mapstructure:"sample_interval_ms"`
	// HighRatio is the RSS ratio above which pressure is high (default: 0.7)
	HighRatio float64 `mapstructure:"high_ratio"`
	// CriticalRatio is the RSS ratio above which pressure is critical and
	// admission halts (default: 0.9)
	CriticalRatio float64 `mapstructure:"critical_ratio"`
}

// SampleInterval returns the sample interval as a time.Duration
func (c *PressureConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMs) * time.Millisecond
}

// MaxMemoryBytes returns the memory budget in bytes
func (c *PressureConfig) MaxMemoryBytes() uint64 {
	return uint64(c.MaxMemoryMB) * 1024 * 1024
}

// RecoveryConfig controls failure recovery and retry pacing
type RecoveryConfig struct {
	// MaxRetries is the retry budget per task for attempt-consuming
	// failures (default: 3)
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffBaseMs is the first retry delay in milliseconds; it doubles
	// per attempt (default: 500)
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
	// BackoffCapSeconds caps the exponential retry delay (default: 60)
	BackoffCapSeconds int `mapstructure:"backoff_cap_seconds"`
	// ResourceRetrySeconds is the fixed delay before a resource-deferred
	// task is retried; deferrals do not consume attempts (default: 5)
	ResourceRetrySeconds int `mapstructure:"resource_retry_seconds"`
}

// BackoffBase returns the base retry delay as a time.Duration
func (c *RecoveryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the retry delay cap as a time.Duration
func (c *RecoveryConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// ResourceRetryDelay returns the resource deferral delay as a time.Duration
func (c *RecoveryConfig) ResourceRetryDelay() time.Duration {
	return time.Duration(c.ResourceRetrySeconds) * time.Second
}

// OrchestratorConfig controls task admission and dispatch
type OrchestratorConfig struct {
	// MaxConcurrentSessions is the number of dispatch workers, and therefore
	// the hard cap on in-flight tasks (default: 4)
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`
	// TaskTimeoutSeconds is the per-attempt execution deadline (default: 60)
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"`
	// QueueCapacity bounds the number of queued tasks (default: 1000)
	QueueCapacity int `mapstructure:"queue_capacity"`
	// StatusIntervalSeconds is how often the engine writes its status
	// snapshot file; 0 disables the writer (default: 5)
	StatusIntervalSeconds int `mapstructure:"status_interval_seconds"`
	// StatusDir is the directory for the status snapshot file.
	// If empty, defaults to the logging directory.
	StatusDir string `mapstructure:"status_dir"`
}

// TaskTimeout returns the per-attempt deadline as a time.Duration
func (c *OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// StatusInterval returns the status writer period as a time.Duration
func (c *OrchestratorConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds) * time.Second
}

// SinkConfig controls where resolved task results are delivered
type SinkConfig struct {
	// Kind selects the sink implementation: "memory", "jsonl", or "postgres"
	// (default: "jsonl")
	Kind string `mapstructure:"kind"`
	// Path is the output file for the jsonl sink (default: "results.jsonl")
	Path string `mapstructure:"path"`
	// Postgres configures the postgres sink
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds connection settings for the postgres sink
type PostgresConfig struct {
	// DSN is the postgres connection string
	DSN string `mapstructure:"dsn"`
	// Table is the results table name (default: "crawl_results")
	Table string `mapstructure:"table"`
	// BatchSize is the number of results buffered before a flush (default: 64)
	BatchSize int `mapstructure:"batch_size"`
	// ViaBouncer switches pgx to the simple protocol for use behind
	// transaction-pooling proxies (default: false)
	ViaBouncer bool `mapstructure:"via_bouncer"`
}

// MetricsConfig controls the prometheus metrics endpoint
type MetricsConfig struct {
	// Enabled controls whether the metrics HTTP server is started (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Addr is the listen address for /metrics and pprof (default: ":9090")
	Addr string `mapstructure:"addr"`
}

// LoggingConfig controls engine logging behavior
type LoggingConfig struct {
	// Enabled controls whether file logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the log directory; empty logs to stderr (default: ".crawlgate")
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files (default: false)
	Compress bool `mapstructure:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Rate: RateConfig{
			TargetSuccessRate: 0.9,
			DefaultClass:      "business",
			Classes: map[string]ClassConfig{
				"search": {
					BaseRPM:      12,
					BurstRPM:     30,
					BurstSeconds: 60,
					Suffixes:     []string{"google.com", "bing.com", "duckduckgo.com"},
				},
				"business": {
					BaseRPM:      20,
					BurstRPM:     40,
					BurstSeconds: 120,
					Suffixes:     []string{},
				},
				"social": {
					BaseRPM:      8,
					BurstRPM:     16,
					BurstSeconds: 60,
					Suffixes:     []string{"facebook.com", "linkedin.com", "instagram.com", "x.com", "twitter.com"},
				},
				"government": {
					BaseRPM:      4,
					BurstRPM:     8,
					BurstSeconds: 30,
					Suffixes:     []string{".gov", ".mil", ".gov.uk", "europa.eu"},
				},
			},
		},
		Identity: IdentityConfig{
			Endpoints:          []EndpointConfig{},
			FailureThreshold:   5,
			CooldownSeconds:    300,
			ProbationSuccesses: 3,
		},
		Sessions: SessionConfig{
			MaxPoolSize:           8,
			LifetimeCap:           50,
			AcquireTimeoutSeconds: 10,
		},
		Pressure: PressureConfig{
			MaxMemoryMB:      1024,
			SampleIntervalMs: 3000,
			HighRatio:        0.7,
			CriticalRatio:    0.9,
		},
		Recovery: RecoveryConfig{
			MaxRetries:           3,
			BackoffBaseMs:        500,
			BackoffCapSeconds:    60,
			ResourceRetrySeconds: 5,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentSessions: 4,
			TaskTimeoutSeconds:    60,
			QueueCapacity:         1000,
			StatusIntervalSeconds: 5,
			StatusDir:             "",
		},
		Sink: SinkConfig{
			Kind: "jsonl",
			Path: "results.jsonl",
			Postgres: PostgresConfig{
				DSN:        "",
				Table:      "crawl_results",
				BatchSize:  64,
				ViaBouncer: false,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        ".crawlgate",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Rate defaults
	viper.SetDefault("rate.target_success_rate", defaults.Rate.TargetSuccessRate)
	viper.SetDefault("rate.default_class", defaults.Rate.DefaultClass)
	for name, class := range defaults.Rate.Classes {
		viper.SetDefault("rate.classes."+name+".base_rpm", class.BaseRPM)
		viper.SetDefault("rate.classes."+name+".burst_rpm", class.BurstRPM)
		viper.SetDefault("rate.classes."+name+".burst_seconds", class.BurstSeconds)
		viper.SetDefault("rate.classes."+name+".suffixes", class.Suffixes)
	}

	// Identity defaults
	viper.SetDefault("identity.endpoints", defaults.Identity.Endpoints)
	viper.SetDefault("identity.failure_threshold", defaults.Identity.FailureThreshold)
	viper.SetDefault("identity.cooldown_seconds", defaults.Identity.CooldownSeconds)
	viper.SetDefault("identity.probation_successes", defaults.Identity.ProbationSuccesses)

	// Session defaults
	viper.SetDefault("sessions.max_pool_size", defaults.Sessions.MaxPoolSize)
	viper.SetDefault("sessions.lifetime_cap", defaults.Sessions.LifetimeCap)
	viper.SetDefault("sessions.acquire_timeout_seconds", defaults.Sessions.AcquireTimeoutSeconds)

	// Pressure defaults
	viper.SetDefault("pressure.max_memory_mb", defaults.Pressure.MaxMemoryMB)
	viper.SetDefault("pressure.sample_interval_ms", defaults.Pressure.SampleIntervalMs)
	viper.SetDefault("pressure.high_ratio", defaults.Pressure.HighRatio)
	viper.SetDefault("pressure.critical_ratio", defaults.Pressure.CriticalRatio)

	// Recovery defaults
	viper.SetDefault("recovery.max_retries", defaults.Recovery.MaxRetries)
	viper.SetDefault("recovery.backoff_base_ms", defaults.Recovery.BackoffBaseMs)
	viper.SetDefault("recovery.backoff_cap_seconds", defaults.Recovery.BackoffCapSeconds)
	viper.SetDefault("recovery.resource_retry_seconds", defaults.Recovery.ResourceRetrySeconds)

	// Orchestrator defaults
	viper.SetDefault("orchestrator.max_concurrent_sessions", defaults.Orchestrator.MaxConcurrentSessions)
	viper.SetDefault("orchestrator.task_timeout_seconds", defaults.Orchestrator.TaskTimeoutSeconds)
	viper.SetDefault("orchestrator.queue_capacity", defaults.Orchestrator.QueueCapacity)
	viper.SetDefault("orchestrator.status_interval_seconds", defaults.Orchestrator.StatusIntervalSeconds)
	viper.SetDefault("orchestrator.status_dir", defaults.Orchestrator.StatusDir)

	// Sink defaults
	viper.SetDefault("sink.kind", defaults.Sink.Kind)
	viper.SetDefault("sink.path", defaults.Sink.Path)
	viper.SetDefault("sink.postgres.dsn", defaults.Sink.Postgres.DSN)
	viper.SetDefault("sink.postgres.table", defaults.Sink.Postgres.Table)
	viper.SetDefault("sink.postgres.batch_size", defaults.Sink.Postgres.BatchSize)
	viper.SetDefault("sink.postgres.via_bouncer", defaults.Sink.Postgres.ViaBouncer)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "crawlgate")
	}
	// Fall back to ~/.config/crawlgate
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crawlgate"
	}
	return filepath.Join(home, ".config", "crawlgate")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidSinkKinds returns the list of valid sink kind values
func ValidSinkKinds() []string {
	return []string{"memory", "jsonl", "postgres"}
}

// IsValidSinkKind checks if the given sink kind is valid
func IsValidSinkKind(kind string) bool {
	for _, valid := range ValidSinkKinds() {
		if kind == valid {
			return true
		}
	}
	return false
}
