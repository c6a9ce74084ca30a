package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lucasnoah/taskfactory/internal/config"
	"github.com/lucasnoah/taskfactory/internal/dispatch"
	"github.com/lucasnoah/taskfactory/internal/executor"
	"github.com/lucasnoah/taskfactory/internal/gitbranch"
	"github.com/lucasnoah/taskfactory/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ready tasks until none remain or the run must stop",
	Long: `Runs every ready task, highest priority first, retrying failures with
error-specific backoff. With --parallel, each wave of ready tasks runs
concurrently on up to --workers agents.

The run stops early when a task fails under on_task_failure=stop, when too
many attempts fail in a row, when the budget is spent, or when
"taskfactory stop" is called. Ctrl-C interrupts the current attempt and
leaves the task ready for the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("parallel") {
			cfg.Execution.Parallel, _ = cmd.Flags().GetBool("parallel")
		}
		if cmd.Flags().Changed("workers") {
			cfg.Execution.Workers, _ = cmd.Flags().GetInt("workers")
		}
		if cmd.Flags().Changed("on-failure") {
			cfg.Execution.OnTaskFailure, _ = cmd.Flags().GetString("on-failure")
		}
		taskID, _ := cmd.Flags().GetString("task")

		a, err := newAppFrom(cmd, cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		interactive := cfg.Execution.OnTaskFailure == config.OnFailureAsk
		if interactive && !isTerminal(cmd.InOrStdin()) {
			a.log.Warn("stdin is not a terminal, using on_task_failure=stop instead of ask")
			cfg.Execution.OnTaskFailure = config.OnFailureStop
			interactive = false
		}

		st, err := a.openState(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		ex, err := a.newExecutor(st)
		if err != nil {
			return err
		}
		ex.SetProgress(out)
		if interactive {
			ex.SetPrompter(executor.NewLinePrompter(cmd.InOrStdin(), out))
		}
		if cfg.Git.BranchPerTask && !cfg.Execution.Parallel {
			ex.SetBrancher(gitbranch.NewManager(&gitbranch.ExecGit{}, cfg.Agent.Workdir, cfg.Git.BranchPrefix))
		}

		o := orchestrator.New(st, a.file, ex, orchestrator.Options{
			Parallel:          cfg.Execution.Parallel,
			Workers:           cfg.Execution.Workers,
			IncludeInProgress: cfg.Execution.IncludeInProgress,
			StaleTimeout:      cfg.StaleTimeout(),
			LockPath:          a.paths.Lock,
			StopPath:          a.paths.Stop,
			TaskID:            taskID,
			Logger:            a.log,
		})
		o.SetProgress(out)

		sum, err := o.Run(ctx)
		if sum != nil {
			printSummary(out, sum)
		}
		if err != nil {
			return err
		}
		if n := len(sum.Failed); n > 0 {
			return fmt.Errorf("%d task(s) failed", n)
		}
		return nil
	},
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printSummary(w io.Writer, sum *dispatch.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Run summary"))
	line := func(label string, ids []string, style func(...string) string) {
		if len(ids) == 0 {
			return
		}
		fmt.Fprintf(w, "  %s %s\n", style(fmt.Sprintf("%-10s", label)), strings.Join(ids, ", "))
	}
	line("completed", sum.Completed, successStyle.Render)
	line("skipped", sum.Skipped, warnStyle.Render)
	line("failed", sum.Failed, errorStyle.Render)
	if len(sum.Completed)+len(sum.Skipped)+len(sum.Failed) == 0 {
		fmt.Fprintln(w, subtleStyle.Render("  nothing was run"))
	}
	if sum.Waves > 0 {
		fmt.Fprintf(w, "  %-10s %d\n", "waves", sum.Waves)
	}
	if sum.Stopped {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render(fmt.Sprintf("%-10s", "stopped")), sum.StopReason)
	}
}

func init() {
	runCmd.Flags().Bool("parallel", false, "run each wave of ready tasks concurrently")
	runCmd.Flags().Int("workers", 0, "concurrent agents in parallel mode (default from config)")
	runCmd.Flags().String("task", "", "run only this task")
	runCmd.Flags().String("on-failure", "", "stop, skip or ask when a task exhausts its retries (default from config)")
}
