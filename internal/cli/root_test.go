package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// resetFlags restores every flag to its default; cobra keeps parsed values
// between Execute calls on the same command tree.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	configFile, verbose, logFormat = "", false, "text"
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "ready", "status", "task", "recover",
		"stop", "config", "db", "version", "stats", "serve",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestTaskSubcommands(t *testing.T) {
	for _, sub := range []string{"show", "reset"} {
		out, err := executeCommand("task", sub, "--help")
		if err != nil {
			t.Errorf("task %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("task %s --help produced no output", sub)
		}
	}
}

func TestDBSubcommands(t *testing.T) {
	for _, sub := range []string{"migrate", "reset"} {
		out, err := executeCommand("db", sub, "--help")
		if err != nil {
			t.Errorf("db %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("db %s --help produced no output", sub)
		}
	}
}

func TestRunHelp_Flags(t *testing.T) {
	out, err := executeCommand("run", "--help")
	if err != nil {
		t.Fatalf("run --help: %v", err)
	}
	for _, flag := range []string{"--parallel", "--workers", "--task", "--on-failure", "--config"} {
		if !strings.Contains(out, flag) {
			t.Errorf("run --help missing %s", flag)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command")
	}
}
