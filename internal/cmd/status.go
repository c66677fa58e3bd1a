package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crawlgate/crawlgate/internal/config"
	"github.com/crawlgate/crawlgate/internal/orchestrator"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running engine's status",
	Long: `Display the latest status snapshot written by a running engine.

The engine periodically writes a status file next to its logs (or to
orchestrator.status_dir when configured). This command reads and renders
that file; it does not talk to the engine process.`,
	RunE: runStatus,
}

var (
	statusDir  string // Directory holding the status file
	statusJSON bool   // Output the raw JSON snapshot
	statusYAML bool   // Output the snapshot as YAML
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusDir, "dir", "d", "", "Status directory (default: configured status or logging dir)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
	statusCmd.Flags().BoolVar(&statusYAML, "yaml", false, "Output status as YAML")
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir := statusDir
	if dir == "" {
		cfg := config.Get()
		dir = cfg.Orchestrator.StatusDir
		if dir == "" {
			dir = cfg.Logging.Dir
		}
	}

	path := orchestrator.StatusPath(dir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Printf("No status file at %s\n", path)
		fmt.Println("Is the engine running with status reporting enabled?")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read status file: %w", err)
	}

	if statusJSON {
		fmt.Println(string(bytes.TrimSpace(data)))
		return nil
	}

	if statusYAML {
		// Round-trip through a generic document so the YAML keys match
		// the snapshot's JSON names.
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse status file: %w", err)
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to render yaml: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}

	var st orchestrator.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to parse status file: %w", err)
	}
	printStatusText(&st)
	return nil
}

func printStatusText(st *orchestrator.Status) {
	fmt.Println()
	fmt.Println("ENGINE STATUS")
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Sampled: %s (%s ago)\n", st.Time.Format("2006-01-02 15:04:05"), time.Since(st.Time).Round(time.Second))
	fmt.Printf("Tasks: %d live, %d in flight\n", st.Tasks.Live, st.Tasks.InFlight)
	fmt.Printf("Queue: %d ready / %d waiting (capacity %d)\n", st.Queue.Ready, st.Queue.Waiting, st.Queue.Capacity)
	fmt.Printf("Totals: %d submitted, %d dispatched, %d succeeded, %d failed\n",
		st.Tasks.Submitted, st.Tasks.Dispatched, st.Tasks.Succeeded, st.Tasks.Failed)
	fmt.Printf("Recovery: %d retries, %d deferrals\n", st.Tasks.Retries, st.Tasks.Deferrals)
	fmt.Println()

	fmt.Println("SESSIONS")
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Live: %d/%d (%d loaned, %d free)\n",
		st.Sessions.Live, st.Sessions.Capacity, st.Sessions.Loaned, st.Sessions.Free)
	fmt.Printf("Lifetime: %d created, %d retired\n", st.Sessions.Created, st.Sessions.Retired)
	fmt.Println()

	fmt.Println("MEMORY PRESSURE")
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Level: %s (%.0f%% of %s)\n",
		st.Pressure.Level, st.Pressure.Ratio*100, formatBytes(st.Pressure.MaxBytes))
	fmt.Printf("RSS: %s\n", formatBytes(st.Pressure.RSSBytes))
	fmt.Println()

	if len(st.Rates) > 0 {
		fmt.Println("DOMAINS")
		fmt.Println(strings.Repeat("─", 50))
		for _, d := range st.Rates {
			line := fmt.Sprintf("%s (%s): %.1f rpm (base %.1f)", d.Domain, d.Class, d.CurrentRPM, d.BaseRPM)
			if d.Outcomes > 0 {
				line += fmt.Sprintf(", %.0f%% ok over %d", d.SuccessRate*100, d.Outcomes)
			}
			if !d.BlockedUntil.IsZero() && d.BlockedUntil.After(time.Now()) {
				line += fmt.Sprintf(" [blocked until %s]", d.BlockedUntil.Format("15:04:05"))
			}
			if !d.BurstUntil.IsZero() && d.BurstUntil.After(time.Now()) {
				line += " [burst]"
			}
			fmt.Println(line)
		}
		fmt.Println()
	}

	if len(st.Identities) > 0 {
		fmt.Println("IDENTITIES")
		fmt.Println(strings.Repeat("─", 50))
		for _, id := range st.Identities {
			state := "idle"
			switch {
			case id.Cooling:
				state = "cooling"
			case id.Leased:
				state = "leased"
			}
			line := fmt.Sprintf("%s: %s, weight %.2f", id.Endpoint, state, id.Weight)
			if id.Successes+id.Failures > 0 {
				line += fmt.Sprintf(", %.0f%% ok (%d/%d)",
					id.SuccessRate*100, id.Successes, id.Successes+id.Failures)
			}
			if id.Cooling && !id.CooldownUntil.IsZero() {
				line += fmt.Sprintf(" until %s", id.CooldownUntil.Format("15:04:05"))
			}
			if id.ProbationLeft > 0 {
				line += fmt.Sprintf(", probation %d left", id.ProbationLeft)
			}
			fmt.Println(line)
		}
		fmt.Println()
	}
}

// formatBytes renders a byte count in the largest sensible unit.
func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
