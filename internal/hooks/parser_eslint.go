package hooks

import (
	"encoding/json"
	"fmt"
)

// ESLintParser parses `eslint -f json` output.
type ESLintParser struct{}

// maxFindings caps how many individual diagnostics a parser reports.
const maxFindings = 50

type eslintFile struct {
	FilePath string          `json:"filePath"`
	Messages []eslintMessage `json:"messages"`
}

type eslintMessage struct {
	RuleID   string `json:"ruleId"`
	Severity int    `json:"severity"` // 1=warning, 2=error
	Message  string `json:"message"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Fix      *struct {
		Range [2]int `json:"range"`
		Text  string `json:"text"`
	} `json:"fix"`
}

func (p *ESLintParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var files []eslintFile
	if err := json.Unmarshal([]byte(stdout), &files); err != nil {
		res := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		res.Summary = fmt.Sprintf("exit code %d (could not parse ESLint JSON)", exitCode)
		return res
	}

	var errors, warnings, fixable int
	var findings []string
	for _, f := range files {
		for _, m := range f.Messages {
			if m.Fix != nil {
				fixable++
			}
			if m.Severity != 2 {
				warnings++
				continue
			}
			errors++
			if len(findings) < maxFindings {
				findings = append(findings, fmt.Sprintf("%s:%d:%d %s: %s", f.FilePath, m.Line, m.Column, m.RuleID, m.Message))
			}
		}
	}

	return ParseResult{
		Passed:   errors == 0,
		Summary:  fmt.Sprintf("%d errors, %d warnings, %d fixable", errors, warnings, fixable),
		Findings: findings,
	}
}
