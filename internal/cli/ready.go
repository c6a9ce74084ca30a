package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/scheduler"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List the tasks that can start now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		list, err := a.file.Load()
		if err != nil {
			return err
		}
		opts := scheduler.Options{IncludeInProgress: a.cfg.Execution.IncludeInProgress}
		ready := scheduler.Ready(list, opts)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, ready)
		}

		out := cmd.OutOrStdout()
		if len(ready) == 0 {
			fmt.Fprintf(out, "No ready tasks (%d not done).\n", scheduler.Remaining(list))
		} else {
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRIORITY\tMILESTONE\tNAME")
			for _, t := range ready {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Priority, dash(t.Milestone), t.Name)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		explain, _ := cmd.Flags().GetBool("explain")
		if !explain {
			return nil
		}
		blocked := scheduler.Blocked(list, opts)
		if len(blocked) == 0 {
			return nil
		}
		byID := tasks.ByID(list)
		ids := make([]string, 0, len(blocked))
		for id := range blocked {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return byID[ids[i]].Index < byID[ids[j]].Index })

		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Waiting on dependencies"))
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tWAITS ON")
		for _, id := range ids {
			var deps []string
			for _, dep := range blocked[id] {
				status := "missing"
				if d, ok := byID[dep]; ok {
					status = string(d.Status)
				}
				deps = append(deps, fmt.Sprintf("%s (%s)", dep, status))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", id, byID[id].Name, strings.Join(deps, ", "))
		}
		return w.Flush()
	},
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	readyCmd.Flags().Bool("explain", false, "also list waiting tasks and their unfinished dependencies")
	readyCmd.Flags().String("format", "text", "Output format: text or json")
}
