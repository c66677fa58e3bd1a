package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/crawlgate/crawlgate/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify crawlgate configuration",
	Long: `View or modify crawlgate configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  crawlgate config set sessions.max_pool_size 12
  crawlgate config set recovery.max_retries 5
  crawlgate config set sink.kind postgres

Valid keys:
  rate.target_success_rate      - Success rate the controller steers toward (0-1)
  rate.default_class            - Class for domains no suffix rule matches
  identity.failure_threshold    - Consecutive failures before cooldown
  identity.cooldown_seconds     - Cooldown length in seconds
  identity.probation_successes  - Successes required to finish probation
  sessions.max_pool_size        - Maximum live sessions
  sessions.lifetime_cap         - Tasks per session before retirement
  sessions.acquire_timeout_seconds - Session acquire wait in seconds
  pressure.max_memory_mb        - Memory budget in megabytes
  recovery.max_retries          - Retry budget per task
  recovery.backoff_base_ms      - First retry backoff in milliseconds
  orchestrator.max_concurrent_sessions - Dispatch worker count
  orchestrator.task_timeout_seconds - Per-attempt deadline in seconds
  orchestrator.queue_capacity   - Maximum queued tasks
  orchestrator.status_interval_seconds - Status file write period (0 disables)
  sink.kind                     - Result sink: memory, jsonl, or postgres
  sink.path                     - Output file for the jsonl sink
  sink.postgres.dsn             - Postgres connection string
  metrics.enabled               - Start the metrics server (true/false)
  metrics.addr                  - Metrics listen address
  logging.level                 - Log level (debug/info/warn/error)
  logging.dir                   - Log directory`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/crawlgate/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	fmt.Println("Current configuration:")
	fmt.Println()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Printf("Config file: (none - using defaults)\n")
	}
	fmt.Println()

	fmt.Println("rate:")
	fmt.Printf("  target_success_rate: %v\n", cfg.Rate.TargetSuccessRate)
	fmt.Printf("  default_class: %s\n", cfg.Rate.DefaultClass)
	fmt.Println("  classes:")
	names := make([]string, 0, len(cfg.Rate.Classes))
	for name := range cfg.Rate.Classes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		class := cfg.Rate.Classes[name]
		fmt.Printf("    %s: base %.0f rpm, burst %.0f rpm for %ds\n",
			name, class.BaseRPM, class.BurstRPM, class.BurstSeconds)
	}

	fmt.Println("identity:")
	fmt.Printf("  endpoints: %d configured\n", len(cfg.Identity.Endpoints))
	fmt.Printf("  failure_threshold: %d\n", cfg.Identity.FailureThreshold)
	fmt.Printf("  cooldown_seconds: %d\n", cfg.Identity.CooldownSeconds)
	fmt.Printf("  probation_successes: %d\n", cfg.Identity.ProbationSuccesses)

	fmt.Println("sessions:")
	fmt.Printf("  max_pool_size: %d\n", cfg.Sessions.MaxPoolSize)
	fmt.Printf("  lifetime_cap: %d\n", cfg.Sessions.LifetimeCap)
	fmt.Printf("  acquire_timeout_seconds: %d\n", cfg.Sessions.AcquireTimeoutSeconds)

	fmt.Println("pressure:")
	fmt.Printf("  max_memory_mb: %d\n", cfg.Pressure.MaxMemoryMB)
	fmt.Printf("  sample_interval_ms: %d\n", cfg.Pressure.SampleIntervalMs)
	fmt.Printf("  high_ratio: %v\n", cfg.Pressure.HighRatio)
	fmt.Printf("  critical_ratio: %v\n", cfg.Pressure.CriticalRatio)

	fmt.Println("recovery:")
	fmt.Printf("  max_retries: %d\n", cfg.Recovery.MaxRetries)
	fmt.Printf("  backoff_base_ms: %d\n", cfg.Recovery.BackoffBaseMs)
	fmt.Printf("  backoff_cap_seconds: %d\n", cfg.Recovery.BackoffCapSeconds)
	fmt.Printf("  resource_retry_seconds: %d\n", cfg.Recovery.ResourceRetrySeconds)

	fmt.Println("orchestrator:")
	fmt.Printf("  max_concurrent_sessions: %d\n", cfg.Orchestrator.MaxConcurrentSessions)
	fmt.Printf("  task_timeout_seconds: %d\n", cfg.Orchestrator.TaskTimeoutSeconds)
	fmt.Printf("  queue_capacity: %d\n", cfg.Orchestrator.QueueCapacity)
	fmt.Printf("  status_interval_seconds: %d\n", cfg.Orchestrator.StatusIntervalSeconds)

	fmt.Println("sink:")
	fmt.Printf("  kind: %s\n", cfg.Sink.Kind)
	if cfg.Sink.Kind == "jsonl" {
		fmt.Printf("  path: %s\n", cfg.Sink.Path)
	}
	if cfg.Sink.Kind == "postgres" {
		fmt.Printf("  postgres.table: %s\n", cfg.Sink.Postgres.Table)
		fmt.Printf("  postgres.batch_size: %d\n", cfg.Sink.Postgres.BatchSize)
	}

	fmt.Println("metrics:")
	fmt.Printf("  enabled: %v\n", cfg.Metrics.Enabled)
	fmt.Printf("  addr: %s\n", cfg.Metrics.Addr)

	fmt.Println("logging:")
	fmt.Printf("  enabled: %v\n", cfg.Logging.Enabled)
	fmt.Printf("  level: %s\n", cfg.Logging.Level)
	fmt.Printf("  dir: %s\n", cfg.Logging.Dir)

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	// Validate the key exists
	validKeys := map[string]string{
		"rate.target_success_rate":             "float",
		"rate.default_class":                   "string",
		"identity.failure_threshold":           "int",
		"identity.cooldown_seconds":            "int",
		"identity.probation_successes":         "int",
		"sessions.max_pool_size":               "int",
		"sessions.lifetime_cap":                "int",
		"sessions.acquire_timeout_seconds":     "int",
		"pressure.max_memory_mb":               "int",
		"pressure.sample_interval_ms":          "int",
		"recovery.max_retries":                 "int",
		"recovery.backoff_base_ms":             "int",
		"recovery.backoff_cap_seconds":         "int",
		"recovery.resource_retry_seconds":      "int",
		"orchestrator.max_concurrent_sessions": "int",
		"orchestrator.task_timeout_seconds":    "int",
		"orchestrator.queue_capacity":          "int",
		"orchestrator.status_interval_seconds": "int",
		"sink.kind":                            "string",
		"sink.path":                            "string",
		"sink.postgres.dsn":                    "string",
		"metrics.enabled":                      "bool",
		"metrics.addr":                         "string",
		"logging.level":                        "string",
		"logging.dir":                          "string",
	}

	keyType, ok := validKeys[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'crawlgate config set --help' to see valid keys", key)
	}

	// Validate the value based on type
	var typedValue any
	switch keyType {
	case "string":
		if key == "sink.kind" && !config.IsValidSinkKind(value) {
			return fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(config.ValidSinkKinds(), ", "))
		}
		typedValue = value
	case "bool":
		if value != "true" && value != "false" {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = value == "true"
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if intVal < 0 {
			return fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		typedValue = intVal
	case "float":
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected number", key)
		}
		typedValue = floatVal
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Set the value in viper
	viper.Set(key, typedValue)

	// Write to config file
	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s = %v\n", key, typedValue)
	fmt.Printf("Config saved to %s\n", configFile)

	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'crawlgate config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Generate a commented config file
	configContent := `# Crawlgate Configuration

# Per-domain adaptive rate limiting
rate:
  # Rolling success rate the controller steers toward
  target_success_rate: 0.9
  # Class assigned to domains no suffix rule matches
  # Built-in classes: search, business, social, government
  default_class: business

# Proxy identity pool
identity:
  # Identities available to bind to sessions
  # endpoints:
  #   - endpoint: proxy-a.internal:8080
  #     fingerprint: chrome-120-linux
  endpoints: []
  # Consecutive failures before an identity enters cooldown
  failure_threshold: 5
  # Cooldown length in seconds
  cooldown_seconds: 300
  # Successes after cooldown before full selection weight returns
  probation_successes: 3

# Execution session pool
sessions:
  # Maximum simultaneously live sessions
  max_pool_size: 8
  # Tasks a session serves before retirement
  lifetime_cap: 50
  # How long Acquire waits for a free session in seconds
  acquire_timeout_seconds: 10

# Memory pressure monitor
pressure:
  # Memory budget in megabytes
  max_memory_mb: 1024
  # RSS sample period in milliseconds
  sample_interval_ms: 3000
  # Budget fractions where pressure becomes high / critical
  high_ratio: 0.7
  critical_ratio: 0.9

# Failure recovery
recovery:
  # Retry budget per task
  max_retries: 3
  # First retry backoff in milliseconds (doubles per attempt)
  backoff_base_ms: 500
  # Backoff ceiling in seconds
  backoff_cap_seconds: 60
  # Fixed delay for resource deferrals in seconds
  resource_retry_seconds: 5

# Engine orchestration
orchestrator:
  # Dispatch worker count; the cap on in-flight tasks
  max_concurrent_sessions: 4
  # Per-attempt execution deadline in seconds
  task_timeout_seconds: 60
  # Maximum queued tasks
  queue_capacity: 1000
  # Status file write period in seconds (0 disables)
  status_interval_seconds: 5

# Result delivery
sink:
  # memory, jsonl, or postgres
  kind: jsonl
  path: results.jsonl
  # postgres:
  #   dsn: postgres://crawlgate@localhost:5432/crawlgate
  #   table: crawl_results
  #   batch_size: 64

# Prometheus metrics and pprof
metrics:
  enabled: true
  addr: ":9090"

# Engine logging
logging:
  enabled: true
  level: info
  dir: .crawlgate
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Created config file at %s\n", configFile)
	fmt.Println("Edit this file to customize crawlgate's behavior.")

	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Printf("Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Printf("Default path: %s\n", configFile)
		fmt.Println("(no config file found - using built-in defaults)")
	}

	return nil
}
