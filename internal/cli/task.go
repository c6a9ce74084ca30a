package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/db"
	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect or reset a single task",
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task, its attempts and recent events",
	Args:  cobra.ExactArgs(1),
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
		t, ok := tasks.ByID(list)[args[0]]
		if !ok {
			return fmt.Errorf("task %s not found in %s", args[0], a.file.Path())
		}

		st, err := a.openState(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		ts, err := st.GetTaskState(ctx, t.ID)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("events")
		events, err := st.DB().Queries().ListEvents(ctx, t.ID, limit)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, struct {
				Task   tasks.Task       `json:"task"`
				State  *state.TaskState `json:"state"`
				Events []db.RunEvent    `json:"events"`
			}{t, ts, events})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, titleStyle.Render(t.ID+": "+t.Name))
		fmt.Fprintf(w, "  %-12s %s\n", "Priority:", t.Priority)
		fmt.Fprintf(w, "  %-12s %s\n", "Status:", badge(string(t.Status), 0))
		if t.Milestone != "" {
			fmt.Fprintf(w, "  %-12s %s\n", "Milestone:", t.Milestone)
		}
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(w, "  %-12s %s\n", "Depends on:", strings.Join(t.DependsOn, ", "))
		}
		for _, c := range t.Checklist {
			mark := " "
			if c.Done {
				mark = "x"
			}
			fmt.Fprintf(w, "  [%s] %s\n", mark, c.Text)
		}

		fmt.Fprintln(w)
		if ts.AttemptCount() == 0 {
			fmt.Fprintf(w, "Execution: %s (session %d, no attempts)\n", badge(string(ts.Status), 0), ts.Session)
		} else {
			fmt.Fprintf(w, "Execution: %s (session %d, %d attempt(s))\n", badge(string(ts.Status), 0), ts.Session, ts.AttemptCount())
			for _, at := range ts.Attempts {
				result := successStyle.Render("ok")
				if !at.Success {
					result = errorStyle.Render(at.ErrorCode)
				}
				cost := "-"
				if at.CostUSD != nil {
					cost = fmt.Sprintf("$%.4f", *at.CostUSD)
				}
				fmt.Fprintf(w, "  #%-3d %s %-8s %-8s %s\n",
					at.Number, at.Timestamp.Local().Format("2006-01-02 15:04:05"),
					at.Duration.Round(time.Second), cost, result)
				if at.Error != "" {
					fmt.Fprintf(w, "       %s\n", subtleStyle.Render(at.Error))
				}
				if at.ReviewStatus != "" {
					fmt.Fprintf(w, "       review: %s\n", at.ReviewStatus)
				}
			}
		}

		if len(events) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Events:")
			for _, e := range events {
				fmt.Fprintf(w, "  %s  %-16s %s\n", e.Timestamp, e.Event, e.Detail)
			}
		}
		return nil
	},
}

var taskResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Start a fresh retry session and mark the task todo",
	Args:  cobra.ExactArgs(1),
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
		if _, ok := tasks.ByID(list)[args[0]]; !ok {
			return fmt.Errorf("task %s not found in %s", args[0], a.file.Path())
		}

		st, err := a.openState(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ResetTask(ctx, args[0]); err != nil {
			return err
		}
		if err := a.file.UpdateStatus(args[0], tasks.StatusTodo); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", args[0])
		return nil
	},
}

func init() {
	taskShowCmd.Flags().String("format", "text", "Output format: text or json")
	taskShowCmd.Flags().Int("events", 20, "number of recent events to show")
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskResetCmd)
}
