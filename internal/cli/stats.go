package cli

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/statdesk/internal/metrics"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server runtime statistics",
	Long: `Show the chat server's in-memory runtime statistics: request timings and
reply generation latency since the server last restarted.

Examples:
  statdesk stats`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	stats, err := apiClient.GetServerStats(ctx)
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	printServerStats(stats)
	return nil
}

// printServerStats displays server runtime statistics.
func printServerStats(stats *metrics.Snapshot) {
	fmt.Printf("Server Statistics (in-memory, since restart)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", stats.UptimeSeconds)

	sections := []struct {
		title string
		op    *metrics.OperationSnapshot
	}{
		{"HTTP Requests", stats.Request},
		{"Reply Generation", stats.Generate},
		{"Message Sends", stats.Send},
		{"Session Fetches", stats.SessionFetch},
		{"Reply Waits", stats.Reply},
	}

	printed := false
	for _, s := range sections {
		if s.op == nil {
			continue
		}
		fmt.Printf("\n%s:\n", s.title)
		printOpStats(s.op)
		printed = true
	}
	if !printed {
		fmt.Println("\nNo activity recorded yet.")
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(op *metrics.OperationSnapshot) {
	fmt.Printf("  Calls: %d, Failures: %d, Total: %dms\n", op.Count, op.Failures, op.TotalTimeMs)
	if op.Count > 0 {
		fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n",
			op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	}
}
