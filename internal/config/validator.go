package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "sessions.max_pool_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateRate()...)
	errors = append(errors, c.validateIdentity()...)
	errors = append(errors, c.validateSessions()...)
	errors = append(errors, c.validatePressure()...)
	errors = append(errors, c.validateRecovery()...)
	errors = append(errors, c.validateOrchestrator()...)
	errors = append(errors, c.validateSink()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateRate validates the RateConfig
func (c *Config) validateRate() []ValidationError {
	var errors []ValidationError

	if c.Rate.TargetSuccessRate <= 0 || c.Rate.TargetSuccessRate > 1 {
		errors = append(errors, ValidationError{
			Field:   "rate.target_success_rate",
			Value:   c.Rate.TargetSuccessRate,
			Message: "must be in (0, 1]",
		})
	}

	if len(c.Rate.Classes) == 0 {
		errors = append(errors, ValidationError{
			Field:   "rate.classes",
			Value:   c.Rate.Classes,
			Message: "at least one domain class is required",
		})
	}

	if c.Rate.DefaultClass == "" {
		errors = append(errors, ValidationError{
			Field:   "rate.default_class",
			Value:   c.Rate.DefaultClass,
			Message: "cannot be empty",
		})
	} else if _, ok := c.Rate.Classes[c.Rate.DefaultClass]; !ok && len(c.Rate.Classes) > 0 {
		errors = append(errors, ValidationError{
			Field:   "rate.default_class",
			Value:   c.Rate.DefaultClass,
			Message: "must name a configured class",
		})
	}

	for name, class := range c.Rate.Classes {
		prefix := "rate.classes." + name

		if class.BaseRPM <= 0 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".base_rpm",
				Value:   class.BaseRPM,
				Message: "must be positive",
			})
		}
		if class.BurstRPM < class.BaseRPM {
			errors = append(errors, ValidationError{
				Field:   prefix + ".burst_rpm",
				Value:   class.BurstRPM,
				Message: "must be at least base_rpm",
			})
		}
		if class.BurstSeconds < 0 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".burst_seconds",
				Value:   class.BurstSeconds,
				Message: "must be non-negative (0 disables bursts)",
			})
		}
	}

	return errors
}

// validateIdentity validates the IdentityConfig
func (c *Config) validateIdentity() []ValidationError {
	var errors []ValidationError

	seen := make(map[string]bool)
	for i, ep := range c.Identity.Endpoints {
		field := fmt.Sprintf("identity.endpoints[%d]", i)

		if strings.TrimSpace(ep.Endpoint) == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".endpoint",
				Value:   ep.Endpoint,
				Message: "cannot be empty",
			})
			continue
		}
		if seen[ep.Endpoint] {
			errors = append(errors, ValidationError{
				Field:   field + ".endpoint",
				Value:   ep.Endpoint,
				Message: "duplicate endpoint",
			})
		}
		seen[ep.Endpoint] = true
	}

	if c.Identity.FailureThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "identity.failure_threshold",
			Value:   c.Identity.FailureThreshold,
			Message: "must be at least 1",
		})
	}
	if c.Identity.CooldownSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "identity.cooldown_seconds",
			Value:   c.Identity.CooldownSeconds,
			Message: "must be non-negative",
		})
	}
	if c.Identity.ProbationSuccesses < 0 {
		errors = append(errors, ValidationError{
			Field:   "identity.probation_successes",
			Value:   c.Identity.ProbationSuccesses,
			Message: "must be non-negative (0 disables probation)",
		})
	}

	return errors
}

// validateSessions validates the SessionConfig
func (c *Config) validateSessions() []ValidationError {
	var errors []ValidationError

	const maxPoolSizeLimit = 1024

	if c.Sessions.MaxPoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "sessions.max_pool_size",
			Value:   c.Sessions.MaxPoolSize,
			Message: "must be at least 1",
		})
	}
	if c.Sessions.MaxPoolSize > maxPoolSizeLimit {
		errors = append(errors, ValidationError{
			Field:   "sessions.max_pool_size",
			Value:   c.Sessions.MaxPoolSize,
			Message: fmt.Sprintf("exceeds maximum of %d", maxPoolSizeLimit),
		})
	}
	if c.Sessions.LifetimeCap < 1 {
		errors = append(errors, ValidationError{
			Field:   "sessions.lifetime_cap",
			Value:   c.Sessions.LifetimeCap,
			Message: "must be at least 1",
		})
	}
	if c.Sessions.AcquireTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sessions.acquire_timeout_seconds",
			Value:   c.Sessions.AcquireTimeoutSeconds,
			Message: "must be positive",
		})
	}

	return errors
}

// validatePressure validates the PressureConfig
func (c *Config) validatePressure() []ValidationError {
	var errors []ValidationError

	const minSampleIntervalMs = 50

	if c.Pressure.MaxMemoryMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pressure.max_memory_mb",
			Value:   c.Pressure.MaxMemoryMB,
			Message: "must be positive",
		})
	}
	if c.Pressure.SampleIntervalMs < minSampleIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "pressure.sample_interval_ms",
			Value:   c.Pressure.SampleIntervalMs,
			Message: fmt.Sprintf("must be at least %dms", minSampleIntervalMs),
		})
	}
	if c.Pressure.HighRatio <= 0 || c.Pressure.HighRatio >= 1 {
		errors = append(errors, ValidationError{
			Field:   "pressure.high_ratio",
			Value:   c.Pressure.HighRatio,
			Message: "must be in (0, 1)",
		})
	}
	if c.Pressure.CriticalRatio <= 0 || c.Pressure.CriticalRatio >= 1 {
		errors = append(errors, ValidationError{
			Field:   "pressure.critical_ratio",
			Value:   c.Pressure.CriticalRatio,
			Message: "must be in (0, 1)",
		})
	}
	if c.Pressure.HighRatio >= c.Pressure.CriticalRatio {
		errors = append(errors, ValidationError{
			Field:   "pressure.high_ratio",
			Value:   c.Pressure.HighRatio,
			Message: fmt.Sprintf("must be below critical_ratio (%v)", c.Pressure.CriticalRatio),
		})
	}

	return errors
}

// validateRecovery validates the RecoveryConfig
func (c *Config) validateRecovery() []ValidationError {
	var errors []ValidationError

	if c.Recovery.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "recovery.max_retries",
			Value:   c.Recovery.MaxRetries,
			Message: "must be non-negative (0 disables retries)",
		})
	}
	if c.Recovery.BackoffBaseMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "recovery.backoff_base_ms",
			Value:   c.Recovery.BackoffBaseMs,
			Message: "must be positive",
		})
	}
	if c.Recovery.BackoffCapSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "recovery.backoff_cap_seconds",
			Value:   c.Recovery.BackoffCapSeconds,
			Message: "must be positive",
		})
	}
	if c.Recovery.BackoffCap() < c.Recovery.BackoffBase() {
		errors = append(errors, ValidationError{
			Field:   "recovery.backoff_cap_seconds",
			Value:   c.Recovery.BackoffCapSeconds,
			Message: "cap must be at least backoff_base_ms",
		})
	}
	if c.Recovery.ResourceRetrySeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "recovery.resource_retry_seconds",
			Value:   c.Recovery.ResourceRetrySeconds,
			Message: "must be positive",
		})
	}

	return errors
}

// validateOrchestrator validates the OrchestratorConfig
func (c *Config) validateOrchestrator() []ValidationError {
	var errors []ValidationError

	const maxConcurrentLimit = 512

	if c.Orchestrator.MaxConcurrentSessions < 1 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.max_concurrent_sessions",
			Value:   c.Orchestrator.MaxConcurrentSessions,
			Message: "must be at least 1",
		})
	}
	if c.Orchestrator.MaxConcurrentSessions > maxConcurrentLimit {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.max_concurrent_sessions",
			Value:   c.Orchestrator.MaxConcurrentSessions,
			Message: fmt.Sprintf("exceeds maximum of %d", maxConcurrentLimit),
		})
	}
	if c.Orchestrator.TaskTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.task_timeout_seconds",
			Value:   c.Orchestrator.TaskTimeoutSeconds,
			Message: "must be positive",
		})
	}
	if c.Orchestrator.QueueCapacity < 1 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.queue_capacity",
			Value:   c.Orchestrator.QueueCapacity,
			Message: "must be at least 1",
		})
	}
	if c.Orchestrator.StatusIntervalSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.status_interval_seconds",
			Value:   c.Orchestrator.StatusIntervalSeconds,
			Message: "must be non-negative (0 disables the status writer)",
		})
	}

	return errors
}

// validateSink validates the SinkConfig
func (c *Config) validateSink() []ValidationError {
	var errors []ValidationError

	if c.Sink.Kind != "" && !IsValidSinkKind(c.Sink.Kind) {
		errors = append(errors, ValidationError{
			Field:   "sink.kind",
			Value:   c.Sink.Kind,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidSinkKinds(), ", ")),
		})
	}

	if c.Sink.Kind == "jsonl" && c.Sink.Path == "" {
		errors = append(errors, ValidationError{
			Field:   "sink.path",
			Value:   c.Sink.Path,
			Message: "cannot be empty when sink.kind is 'jsonl'",
		})
	}

	if c.Sink.Kind == "postgres" {
		if c.Sink.Postgres.DSN == "" {
			errors = append(errors, ValidationError{
				Field:   "sink.postgres.dsn",
				Value:   c.Sink.Postgres.DSN,
				Message: "cannot be empty when sink.kind is 'postgres'",
			})
		}
		if c.Sink.Postgres.Table == "" {
			errors = append(errors, ValidationError{
				Field:   "sink.postgres.table",
				Value:   c.Sink.Postgres.Table,
				Message: "cannot be empty when sink.kind is 'postgres'",
			})
		}
		if c.Sink.Postgres.BatchSize < 1 {
			errors = append(errors, ValidationError{
				Field:   "sink.postgres.batch_size",
				Value:   c.Sink.Postgres.BatchSize,
				Message: "must be at least 1",
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
