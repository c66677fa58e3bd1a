// Package logging provides structured logging for the crawlgate engine.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation support for debugging and post-hoc analysis. It is
// designed to help troubleshoot long scraping runs by providing structured,
// filterable logs that can be analyzed after the fact.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Context propagation (component, task ID, domain, session ID)
//   - Log rotation with configurable size limits
//   - Optional gzip compression for rotated logs
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. The [Logger] type
// uses Go's slog internally which is designed for concurrent access. The
// [RotatingWriter] type uses a mutex to protect file operations during
// rotation. Child loggers created via With* methods share the underlying
// writer safely.
//
// # Basic Usage
//
// Create a logger for a run directory:
//
//	logger, err := logging.NewLogger("/var/log/crawlgate", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	// Log messages at various levels
//	logger.Debug("detailed info", "key", "value")
//	logger.Info("task resolved", "latency_ms", 150)
//	logger.Warn("domain throttled", "rpm", 3.0)
//	logger.Error("dispatch failed", "error", err.Error())
//
// # Context Propagation
//
// Create child loggers with persistent context attributes:
//
//	// Add component context
//	rateLogger := logger.WithComponent("ratelimit")
//
//	// Add task and domain context
//	taskLogger := logger.WithTask("task-abc123").WithDomain("example.com")
//
//	// All logs from taskLogger will include task_id and domain
//	taskLogger.Info("attempt dispatched", "attempt", 2)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"attempt dispatched","task_id":"task-abc123","domain":"example.com","attempt":2}
//
// # Log Rotation
//
// For long-running engines, use log rotation to prevent unbounded growth:
//
//	config := logging.RotationConfig{
//	    MaxSizeMB:  10,    // Rotate when file exceeds 10MB
//	    MaxBackups: 3,     // Keep 3 backup files
//	    Compress:   true,  // Gzip compress rotated files
//	}
//
//	logger, err := logging.NewLoggerWithRotation("/var/log/crawlgate", "INFO", config)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
// Rotated files are named: engine.log.1, engine.log.2, etc., where .1 is the
// most recent backup. When compression is enabled, rotated files become
// engine.log.1.gz, etc.
//
// # Testing
//
// For testing, use [NopLogger] to discard all log output:
//
//	func TestSomething(t *testing.T) {
//	    logger := logging.NopLogger()
//	    // Use logger in tests without creating files
//	}
//
// # Log Levels
//
// The package defines four log levels:
//
//   - [LevelDebug]: Detailed information for debugging
//   - [LevelInfo]: General operational information (default)
//   - [LevelWarn]: Warning conditions that may need attention
//   - [LevelError]: Error conditions that affect functionality
//
// Use [ValidLevels] to get the list of valid level strings, and [ParseLevel]
// to normalize user-provided level strings.
//
// # Configuration
//
// The logging system is typically configured via the crawlgate config file:
//
//	logging:
//	  enabled: true
//	  level: info
//	  dir: /var/log/crawlgate
//	  max_size_mb: 10
//	  max_backups: 3
package logging
