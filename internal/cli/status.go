package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/report"
	"github.com/lucasnoah/taskfactory/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task and execution status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		list, err := a.file.Load()
		if err != nil {
			return err
		}
		st, err := a.openState(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		r, err := report.Build(ctx, st, list)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, r)
		}
		printStatus(cmd, r)
		return nil
	},
}

func printStatus(cmd *cobra.Command, r *report.Status) {
	w := cmd.OutOrStdout()
	if len(r.Tasks) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return
	}

	fmt.Fprintf(w, "%-10s %-4s %-12s %-8s %-4s %-6s %-8s %s\n", "ID", "PRI", "TASK", "EXEC", "ATT", "CHECK", "COST", "NAME")
	fmt.Fprintf(w, "%-10s %-4s %-12s %-8s %-4s %-6s %-8s %s\n",
		strings.Repeat("-", 10),
		strings.Repeat("-", 4),
		strings.Repeat("-", 12),
		strings.Repeat("-", 8),
		strings.Repeat("-", 4),
		strings.Repeat("-", 6),
		strings.Repeat("-", 8),
		strings.Repeat("-", 4))
	for _, t := range r.Tasks {
		exec := string(t.Execution)
		if exec == "" {
			exec = "-"
		}
		name := truncate(t.Name, 40)
		fmt.Fprintf(w, "%-10s %-4s %s %s %-4d %-6s %-8s %s\n",
			t.ID, t.Priority, badge(string(t.Source), 12), badge(exec, 8),
			t.Attempts, fmt.Sprintf("%d/%d", t.Checklist.Done, t.Checklist.Total),
			fmt.Sprintf("$%.2f", t.CostUSD), name)
		if t.LastError != "" && t.Execution != state.StatusSuccess {
			msg := truncate(t.LastError, 100)
			fmt.Fprintf(w, "%-10s %s\n", "", subtleStyle.Render(fmt.Sprintf("[%s] %s", t.ErrorCode, msg)))
		}
	}

	fmt.Fprintln(w)
	c := r.Counters
	fmt.Fprintf(w, "Completed: %d  Failed: %d  Consecutive failures: %d\n",
		c.TotalCompleted, c.TotalFailed, c.ConsecutiveFailures)
	fmt.Fprintf(w, "Cost: $%.4f  Tokens: %d in / %d out\n", r.TotalCost, r.Tokens.Input, r.Tokens.Output)

	if len(r.ErrorCodes) > 0 {
		codes := make([]string, 0, len(r.ErrorCodes))
		for code := range r.ErrorCodes {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		parts := make([]string, len(codes))
		for i, code := range codes {
			parts[i] = fmt.Sprintf("%s=%d", code, r.ErrorCodes[code])
		}
		fmt.Fprintf(w, "Errors: %s\n", strings.Join(parts, " "))
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
