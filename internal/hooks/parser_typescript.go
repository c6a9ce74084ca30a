package hooks

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/taskfactory/internal/config"
)

// TypeScriptParser parses `tsc --noEmit` output. Type errors are reported
// as syntax failures.
type TypeScriptParser struct{}

// tsc output format: src/auth.ts(42,5): error TS2345: Argument of type...
var tscLineRe = regexp.MustCompile(`^(.+)\((\d+),(\d+)\):\s+error\s+(TS\d+):\s+(.+)$`)

func (p *TypeScriptParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var findings []string
	errors := 0
	for _, line := range strings.Split(stdout, "\n") {
		m := tscLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		errors++
		if len(findings) < maxFindings {
			findings = append(findings, fmt.Sprintf("%s:%s:%s %s: %s", m[1], m[2], m[3], m[4], m[5]))
		}
	}

	res := ParseResult{Passed: exitCode == 0, Findings: findings}
	switch {
	case res.Passed:
		res.Summary = "no errors"
	case errors > 0:
		res.Summary = fmt.Sprintf("%d errors", errors)
		res.Category = config.KindSyntax
	default:
		generic := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		res.Summary = generic.Summary
		res.Findings = generic.Findings
	}
	return res
}
