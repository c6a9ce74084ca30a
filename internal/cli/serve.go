package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/artifact"
	"github.com/lucasnoah/taskfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only dashboard of task and execution status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		st, err := a.openState(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		addr, _ := cmd.Flags().GetString("addr")
		s := web.NewServer(st, a.file, artifact.NewStore(a.cfg.Project.StateDir), a.log)
		cmd.Printf("taskfactory dashboard: http://%s\n", displayAddr(addr))
		return s.ListenAndServe(ctx, addr)
	},
}

// displayAddr turns ":8080" into "localhost:8080".
func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
}
