package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taskfactory/internal/agent"
	"github.com/lucasnoah/taskfactory/internal/artifact"
	"github.com/lucasnoah/taskfactory/internal/config"
	"github.com/lucasnoah/taskfactory/internal/db"
	"github.com/lucasnoah/taskfactory/internal/executor"
	"github.com/lucasnoah/taskfactory/internal/hooks"
	"github.com/lucasnoah/taskfactory/internal/notify"
	"github.com/lucasnoah/taskfactory/internal/prompt"
	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// app is the configuration and the derived locations shared by commands.
type app struct {
	cfg   *config.Config
	paths paths
	log   *slog.Logger
	file  *tasks.File
}

// paths are the files kept in the state directory.
type paths struct {
	DB     string
	Lock   string
	Stop   string
	Legacy string
}

func resolvePaths(cfg *config.Config) (paths, error) {
	dbPath, err := db.PathFor(cfg.Project.StateDir, cfg.Project.Namespace)
	if err != nil {
		return paths{}, err
	}
	ns := cfg.Project.Namespace
	if ns == "" {
		ns = "state"
	}
	return paths{
		DB:     dbPath,
		Lock:   dbPath + ".lock",
		Stop:   filepath.Join(cfg.Project.StateDir, "STOP"),
		Legacy: filepath.Join(cfg.Project.StateDir, ns+".json"),
	}, nil
}

// resolveConfigPath resolves a --config value to an absolute path and
// checks that it exists. An empty value stays empty.
func resolveConfigPath(flagValue string) (string, error) {
	if flagValue == "" {
		return "", nil
	}
	abs, err := filepath.Abs(flagValue)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("config file not found: %s", abs)
	}
	return abs, nil
}

// loadConfig reads --config, or the default locations. Without any config
// file the built-in defaults apply.
func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath(configFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.LoadDefault()
	if errors.Is(err, config.ErrNotFound) {
		return config.Default(), nil
	}
	return cfg, err
}

func validationError(errs []config.ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(joined...))
}

func newLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if logFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newApp loads and validates the configuration.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAppFrom(cmd, cfg)
}

// newAppFrom validates cfg after command-line overrides were applied.
func newAppFrom(cmd *cobra.Command, cfg *config.Config) (*app, error) {
	if err := validationError(config.Validate(cfg)); err != nil {
		return nil, err
	}
	p, err := resolvePaths(cfg)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:   cfg,
		paths: p,
		log:   newLogger(cmd.ErrOrStderr()),
		file:  tasks.NewFile(cfg.Project.TasksFile),
	}, nil
}

func (a *app) openState(ctx context.Context) (*state.ExecutorState, error) {
	e := a.cfg.Execution
	return state.Open(ctx, state.Options{
		Path:                   a.paths.DB,
		LegacyPath:             a.paths.Legacy,
		MaxRetries:             e.MaxRetries,
		MaxConsecutiveFailures: e.MaxConsecutiveFailures,
		BudgetUSD:              e.BudgetUSD,
		MaxOutputBytes:         e.MaxOutputBytes,
		Logger:                 a.log,
	})
}

// newExecutor wires the executor's collaborators from the configuration.
func (a *app) newExecutor(st *state.ExecutorState) (*executor.Executor, error) {
	builder, err := prompt.NewBuilder(prompt.OptionsFromConfig(a.cfg))
	if err != nil {
		return nil, err
	}
	hookOpts := hooks.OptionsFromConfig(a.cfg)
	hookOpts.Logger = a.log

	opts := executor.OptionsFromConfig(a.cfg)
	opts.Logger = a.log

	return executor.New(executor.Deps{
		State:     st,
		Source:    a.file,
		Hooks:     hooks.NewRunner(&hooks.ExecRunner{}, hookOpts),
		Prompt:    builder,
		Agent:     agent.NewExecRunner(a.cfg, a.log),
		Artifacts: artifact.NewStore(a.cfg.Project.StateDir),
		Notifier:  notify.New(a.cfg.Notify.URL, a.cfg.NotifyTimeout(), a.log),
	}, opts), nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
