package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/db"
	"github.com/lucasnoah/taskfactory/internal/lock"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "State database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply state database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		d, err := db.Open(a.paths.DB)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Migrate(); err != nil {
			return err
		}
		v, err := d.Version()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s at schema v%d\n", a.paths.DB, v)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all execution state (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return fmt.Errorf("db reset deletes every attempt and counter; pass --force to confirm")
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		l, err := lock.Acquire(a.paths.Lock)
		if err != nil {
			return err
		}
		defer l.Release()

		d, err := db.Open(a.paths.DB)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", a.paths.DB)
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("force", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
