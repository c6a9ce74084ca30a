package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/lock"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running orchestrator to stop after the current task",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		s := lock.NewSentinel(a.paths.Stop)

		cancel, _ := cmd.Flags().GetBool("cancel")
		if cancel {
			if err := s.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stop request cleared.")
			return nil
		}

		if err := s.Request(); err != nil {
			return err
		}
		if pid := lock.Holder(a.paths.Lock); pid > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested; run %d will halt after its current task.\n", pid)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Stop requested; the next run will halt before starting a task.")
		}
		return nil
	},
}

func init() {
	stopCmd.Flags().Bool("cancel", false, "withdraw a pending stop request")
}
