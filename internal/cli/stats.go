package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show attempt, check, error and cost statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		st, err := a.openState(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		since, _ := cmd.Flags().GetString("since")
		top, _ := cmd.Flags().GetInt("top")
		r, err := analytics.Build(ctx, st.DB(), since, top)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, r)
		}

		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		section := func(title string) {
			w.Flush()
			fmt.Fprintln(out)
			fmt.Fprintln(out, titleStyle.Render(title))
		}

		section("Attempt durations (seconds)")
		fmt.Fprintln(w, "OUTCOME\tCOUNT\tAVG\tP50\tP95")
		for _, d := range r.Durations {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", d.Outcome, d.Count, d.Avg, d.P50, d.P95)
		}

		section("Successful attempt number")
		fmt.Fprintln(w, "ATTEMPT\tCOUNT\tSHARE")
		for _, d := range r.RetryDepth {
			fmt.Fprintf(w, "%d\t%d\t%.1f%%\n", d.Attempt, d.Count, d.Pct)
		}

		if len(r.Checks) > 0 {
			section("Checks")
			fmt.Fprintln(w, "CHECK\tKIND\tRUNS\tFAIL\tFIRST PASS")
			for _, c := range r.Checks {
				fmt.Fprintf(w, "%s\t%s\t%d\t%.1f%%\t%.1f%%\n", c.Check, dash(c.Kind), c.Total, c.FailRate, c.FirstPass)
			}
		}

		if len(r.Errors) > 0 {
			section("Failures by error code")
			fmt.Fprintln(w, "CODE\tCOUNT\tSHARE")
			for _, e := range r.Errors {
				fmt.Fprintf(w, "%s\t%d\t%.1f%%\n", e.Code, e.Count, e.Pct)
			}
		}

		section("Cost by task")
		fmt.Fprintln(w, "TASK\tATTEMPTS\tCOST\tTOKENS IN\tTOKENS OUT")
		for _, c := range r.Costs {
			fmt.Fprintf(w, "%s\t%d\t$%.4f\t%d\t%d\n", c.TaskID, c.Attempts, c.CostUSD, c.InputTokens, c.OutputTokens)
		}

		section("Daily throughput")
		fmt.Fprintln(w, "DAY\tSUCCEEDED\tFAILED\tCOST")
		for _, d := range r.Throughput {
			fmt.Fprintf(w, "%s\t%d\t%d\t$%.2f\n", d.Day, d.Succeeded, d.Failed, d.CostUSD)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().String("since", "", "only count attempts at or after this date (YYYY-MM-DD)")
	statsCmd.Flags().Int("top", 10, "number of tasks in the cost table (0 for all)")
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}
