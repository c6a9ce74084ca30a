// Package prompt renders the agent prompt for a task attempt.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// Render expands a template string with the given variables.
// {{variable}} is replaced with its value; a variable missing from vars is an
// error. {{#if variable}}...{{/if}} blocks are kept only when the variable is
// non-empty. Values are inserted literally and never re-expanded.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		m := varRe.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		if val, ok := vars[m[1]]; ok {
			return val
		}
		missing = append(missing, m[1])
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// processConditionals resolves {{#if}} blocks innermost first: for each
// {{/if}} the nearest preceding opening tag is its pair.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}

		openLocs := ifOpenRe.FindAllStringSubmatchIndex(result[:closeIdx], -1)
		if openLocs == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		loc := openLocs[len(openLocs)-1]
		openStart, openEnd := loc[0], loc[1]
		varName := result[loc[2]:loc[3]]

		var body string
		if val, ok := vars[varName]; ok && val != "" {
			body = result[openEnd:closeIdx]
		}
		result = result[:openStart] + body + result[closeIdx+len(ifCloseStr):]
	}

	if tag := ifOpenRe.FindString(result); tag != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", tag)
	}
	return result, nil
}

// LoadTemplate returns the prompt template at path, resolved inside workdir.
// An empty path selects the built-in template.
func LoadTemplate(path string, workdir string) (string, error) {
	if path == "" {
		return DefaultTemplate, nil
	}
	full := filepath.Join(workdir, path)
	if workdir != "" {
		absFull, err := filepath.Abs(full)
		if err != nil {
			return "", fmt.Errorf("resolve template path: %w", err)
		}
		absWorkdir, err := filepath.Abs(workdir)
		if err != nil {
			return "", fmt.Errorf("resolve workdir: %w", err)
		}
		if absFull != absWorkdir && !strings.HasPrefix(absFull, absWorkdir+string(filepath.Separator)) {
			return "", fmt.Errorf("template path %q escapes workdir", path)
		}
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read template %q: %w", path, err)
	}
	return string(data), nil
}
