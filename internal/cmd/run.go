package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crawlgate/crawlgate/internal/config"
	errs "github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/logging"
	"github.com/crawlgate/crawlgate/internal/metrics"
	"github.com/crawlgate/crawlgate/internal/orchestrator"
	"github.com/crawlgate/crawlgate/internal/sink"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [domain=payload ...]",
	Short: "Run the scraping engine",
	Long: `Start the engine and work through the submitted tasks.

Tasks are seeded from a task file (one JSON object per line) and from
positional domain=payload arguments. The engine runs until interrupted,
or, with --drain, until every seeded task has resolved.

Examples:
  # Run with tasks from a seed file until interrupted
  crawlgate run --tasks tasks.jsonl

  # Scrape two pages and exit when both have resolved
  crawlgate run --drain example.com=https://example.com/a example.com=https://example.com/b`,
	RunE: runRun,
}

var (
	runTasksFile string // Seed task file, one JSON task per line
	runDrain     bool   // Exit once all seeded tasks have resolved
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runTasksFile, "tasks", "t", "", "Task seed file (one JSON task per line)")
	runCmd.Flags().BoolVar(&runDrain, "drain", false, "Exit once all seeded tasks have resolved")
}

// seedTask is one line of a task seed file.
type seedTask struct {
	Domain      string            `json:"domain"`
	Payload     string            `json:"payload"`
	Priority    int               `json:"priority"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// The status file lands next to the logs unless placed explicitly.
	if cfg.Orchestrator.StatusDir == "" {
		cfg.Orchestrator.StatusDir = cfg.Logging.Dir
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snk, err := sink.New(ctx, cfg.Sink, logger)
	if err != nil {
		return fmt.Errorf("failed to create %s sink: %w", cfg.Sink.Kind, err)
	}

	bus := event.NewBus()
	var srv *metrics.Server
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(bus)
		defer collector.Close()

		srv = metrics.NewServer(cfg.Metrics.Addr, collector.Registry(), logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	eng := orchestrator.New(cfg, orchestrator.Deps{
		Sink:   snk,
		Bus:    bus,
		Logger: logger,
	})

	seeded, err := seedTasks(eng, runTasksFile, args)
	if err != nil {
		return err
	}

	// The engine's lifetime is governed by Stop, not this context;
	// shutdown lets in-flight attempts finish.
	if err := eng.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	fmt.Printf("Engine running with %d seeded tasks\n", seeded)
	if cfg.Orchestrator.StatusInterval() > 0 && cfg.Orchestrator.StatusDir != "" {
		fmt.Printf("Status file: %s\n", orchestrator.StatusPath(cfg.Orchestrator.StatusDir))
	}
	if srv != nil {
		fmt.Printf("Metrics: http://%s/metrics\n", srv.Addr())
	}

	if runDrain {
		if err := eng.WaitIdle(ctx); err != nil {
			fmt.Println("Interrupted, stopping...")
		}
	} else {
		<-ctx.Done()
		fmt.Println("\nShutting down...")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		return fmt.Errorf("engine stop: %w", err)
	}
	if srv != nil {
		if err := srv.Shutdown(stopCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}

	st := eng.SnapshotStatus()
	fmt.Printf("Done: %d succeeded, %d failed (%d retries, %d deferrals)\n",
		st.Tasks.Succeeded, st.Tasks.Failed, st.Tasks.Retries, st.Tasks.Deferrals)
	return nil
}

// buildLogger assembles the engine logger from the logging section.
func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLoggerWithRotation(cfg.Logging.Dir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// seedTasks submits the tasks named by the seed file and the positional
// arguments. Duplicate idempotency keys are skipped, not fatal.
func seedTasks(eng *orchestrator.Engine, path string, args []string) (int, error) {
	var tasks []seedTask
	if path != "" {
		loaded, err := loadSeedFile(path)
		if err != nil {
			return 0, err
		}
		tasks = loaded
	}
	for _, arg := range args {
		domain, payload, ok := strings.Cut(arg, "=")
		if !ok {
			return 0, fmt.Errorf("invalid task argument %q: want domain=payload", arg)
		}
		tasks = append(tasks, seedTask{Domain: domain, Payload: payload})
	}

	seeded := 0
	for i, st := range tasks {
		_, err := eng.Submit(st.Domain, st.Payload, st.Priority, st.Constraints)
		if errs.Is(err, errs.ErrDuplicateTask) {
			continue
		}
		if err != nil {
			return seeded, fmt.Errorf("failed to submit task %d (%s): %w", i+1, st.Domain, err)
		}
		seeded++
	}
	return seeded, nil
}

// loadSeedFile parses a task seed file. Blank lines and #-comments are
// ignored.
func loadSeedFile(path string) ([]seedTask, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task file: %w", err)
	}
	defer file.Close()

	var tasks []seedTask
	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially long payload lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var st seedTask
		if err := json.Unmarshal([]byte(line), &st); err != nil {
			return nil, fmt.Errorf("task file line %d: %w", lineNo, err)
		}
		tasks = append(tasks, st)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading task file: %w", err)
	}
	return tasks, nil
}
