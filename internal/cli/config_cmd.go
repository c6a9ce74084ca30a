package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/config"
	"github.com/lucasnoah/taskfactory/internal/prompt"
	"github.com/lucasnoah/taskfactory/internal/scheduler"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration, the prompt template and the task file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if len(errs) > 0 {
			cmd.Println("Validation errors:")
			for _, e := range errs {
				cmd.Printf("  - %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}
		cmd.Println("Configuration is valid.")

		if _, err := prompt.NewBuilder(prompt.OptionsFromConfig(cfg)); err != nil {
			return err
		}

		list, err := tasks.NewFile(cfg.Project.TasksFile).Load()
		if err != nil {
			return err
		}
		counts := make(map[tasks.Status]int)
		for _, t := range list {
			counts[t.Status]++
		}
		ready := scheduler.Ready(list, scheduler.Options{IncludeInProgress: cfg.Execution.IncludeInProgress})
		cmd.Printf("%s: %d task(s), %d todo, %d in progress, %d done, %d blocked, %d ready\n",
			cfg.Project.TasksFile, len(list),
			counts[tasks.StatusTodo], counts[tasks.StatusInProgress],
			counts[tasks.StatusDone], counts[tasks.StatusBlocked], len(ready))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		data, err := config.Marshal(cfg, format)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or toml")
}
