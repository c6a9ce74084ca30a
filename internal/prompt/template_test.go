package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{
			name: "plain variables",
			tmpl: "Work on {{task_id}}: {{task_name}}",
			vars: Vars{"task_id": "T-007", "task_name": "Add login form"},
			want: "Work on T-007: Add login form",
		},
		{
			name: "no variables",
			tmpl: "Read the tasks file first.",
			vars: Vars{"task_id": "T-001"},
			want: "Read the tasks file first.",
		},
		{
			name: "retry note kept on a retry",
			tmpl: "{{task_id}}\n{{#if retry_note}}NOTE: {{retry_note}}\n{{/if}}Go.",
			vars: Vars{"task_id": "T-002", "retry_note": "This is attempt 2 of 3."},
			want: "T-002\nNOTE: This is attempt 2 of 3.\nGo.",
		},
		{
			name: "retry note dropped on a first attempt",
			tmpl: "{{task_id}}\n{{#if retry_note}}NOTE: {{retry_note}}\n{{/if}}Go.",
			vars: Vars{"task_id": "T-002"},
			want: "T-002\nGo.",
		},
		{
			name: "empty retry note counts as absent",
			tmpl: "{{#if retry_note}}NOTE: {{retry_note}}{{/if}}Go.",
			vars: Vars{"retry_note": ""},
			want: "Go.",
		},
		{
			name: "independent blocks",
			tmpl: "{{#if retry_note}}[retry]{{/if}}{{#if failure_excerpts}}[excerpts]{{/if}}",
			vars: Vars{"failure_excerpts": "exit status 1"},
			want: "[excerpts]",
		},
		{
			name: "variable used inside its own block",
			tmpl: "{{#if failure_excerpts}}Last failure:\n{{failure_excerpts}}\n{{/if}}Fix it.",
			vars: Vars{"failure_excerpts": "--- FAIL: TestLogin"},
			want: "Last failure:\n--- FAIL: TestLogin\nFix it.",
		},
		{
			name: "nested blocks both present",
			tmpl: "{{#if retry_note}}retry {{#if failure_excerpts}}with output{{/if}} end{{/if}}",
			vars: Vars{"retry_note": "attempt 2", "failure_excerpts": "boom"},
			want: "retry with output end",
		},
		{
			name: "nested inner absent",
			tmpl: "{{#if retry_note}}retry {{#if failure_excerpts}}with output{{/if}} end{{/if}}",
			vars: Vars{"retry_note": "attempt 2"},
			want: "retry  end",
		},
		{
			name: "nested outer absent drops inner",
			tmpl: "START{{#if retry_note}}retry {{#if failure_excerpts}}with output{{/if}} end{{/if}}FINISH",
			vars: Vars{"failure_excerpts": "boom"},
			want: "STARTFINISH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if strings.Contains(got, "{{") {
				t.Errorf("unexpanded tags left in %q", got)
			}
			if got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_MissingVariables(t *testing.T) {
	_, err := Render("{{task_id}} {{task_name}} ({{priority}})", Vars{"task_name": "Add login form"})
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	for _, name := range []string{"task_id", "priority"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
	if strings.Contains(err.Error(), "task_name") {
		t.Errorf("error %q names a variable that was supplied", err)
	}
}

func TestLoadTemplate_ProjectOverride(t *testing.T) {
	workdir := t.TempDir()
	dir := filepath.Join(workdir, "prompts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := "Implement {{task_id}} and print {{complete_marker}}."
	if err := os.WriteFile(filepath.Join(dir, "task.md"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := LoadTemplate("prompts/task.md", workdir)
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	if got != body {
		t.Errorf("LoadTemplate = %q, want %q", got, body)
	}
}

func TestLoadTemplate_NotFound(t *testing.T) {
	if _, err := LoadTemplate("prompts/missing.md", t.TempDir()); err == nil {
		t.Fatal("expected error for missing template")
	}
}
func TestLoadTemplate_StaysInsideWorkdir(t *testing.T) {
	root := t.TempDir()
	workdir := filepath.Join(root, "project")
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(root, "outside.md")
	if err := os.WriteFile(outside, []byte("not a prompt"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"../outside.md", "prompts/../../outside.md", outside} {
		if got, err := LoadTemplate(path, workdir); err == nil {
			t.Errorf("LoadTemplate(%q) read a file outside the workdir: %q", path, got)
		}
	}
}

func TestLoadTemplate_EmptyPathIsDefault(t *testing.T) {
	got, err := LoadTemplate("", t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != DefaultTemplate {
		t.Error("empty path should select the built-in template")
	}
}

func TestRender_ValuesInsertedLiterally(t *testing.T) {
	// Agent output quoted back into a retry prompt can contain tag syntax.
	tmpl := "{{task_id}}{{#if failure_excerpts}}\n{{failure_excerpts}}{{/if}}\n{{task_name}}"
	vars := Vars{
		"task_id":          "T-003",
		"task_name":        "see {{task_id}}",
		"failure_excerpts": "template error near {{/if}} and {{undefined_var}}",
	}

	got, err := Render(tmpl, vars)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "T-003\ntemplate error near {{/if}} and {{undefined_var}}\nsee {{task_id}}"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestRender_ExcludedBlockVarsNotRequired(t *testing.T) {
	tmpl := "Go{{#if retry_note}} ({{previous_failures}} failures so far){{/if}}."

	got, err := Render(tmpl, Vars{})
	if err != nil {
		t.Fatalf("variables inside a dropped block should not be required: %v", err)
	}
	if got != "Go." {
		t.Errorf("Render = %q, want %q", got, "Go.")
	}
}

func TestRender_TagWhitespace(t *testing.T) {
	for _, tmpl := range []string{
		"{{#if retry_note }}retry{{/if}}",
		"{{#if\nretry_note}}retry{{/if}}",
		"{{#if \t retry_note}}retry{{/if}}",
	} {
		got, err := Render(tmpl, Vars{"retry_note": "attempt 2"})
		if err != nil {
			t.Fatalf("Render(%q): %v", tmpl, err)
		}
		if got != "retry" {
			t.Errorf("Render(%q) = %q, want %q", tmpl, got, "retry")
		}
	}
}

func TestRender_UnbalancedBlocks(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"unclosed", "{{#if retry_note}}NOTE: {{retry_note}}", "unclosed"},
		{"dangling close", "{{task_id}}{{/if}}", "dangling"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.tmpl, Vars{"task_id": "T-004", "retry_note": "attempt 2"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
