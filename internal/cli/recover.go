package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/lock"
	"github.com/lucasnoah/taskfactory/internal/orchestrator"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reset tasks left running by a crashed run",
	Long: `Resets execution records stuck in "running" whose start is older than
the stale timeout, and marks their tasks todo again. Refuses to run while
another taskfactory run holds the lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		timeout := a.cfg.StaleTimeout()
		if cmd.Flags().Changed("timeout") {
			timeout, _ = cmd.Flags().GetDuration("timeout")
		}

		l, err := lock.Acquire(a.paths.Lock)
		if err != nil {
			return err
		}
		defer l.Release()

		st, err := a.openState(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		o := orchestrator.New(st, a.file, nil, orchestrator.Options{
			StaleTimeout: timeout,
			Logger:       a.log,
		})
		ids, err := o.Recover(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stale tasks.")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %s\n", id)
		}
		return nil
	},
}

func init() {
	recoverCmd.Flags().Duration("timeout", 0, "stale threshold (default from config, 0 recovers every running task)")
}
