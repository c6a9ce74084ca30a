package hooks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// VitestParser parses vitest/jest JSON reporter output.
type VitestParser struct{}

type vitestOutput struct {
	NumTotalTests   int                 `json:"numTotalTests"`
	NumPassedTests  int                 `json:"numPassedTests"`
	NumFailedTests  int                 `json:"numFailedTests"`
	NumPendingTests int                 `json:"numPendingTests"`
	TestResults     []vitestSuiteResult `json:"testResults"`
}

type vitestSuiteResult struct {
	Name             string                  `json:"name"`
	Status           string                  `json:"status"` // "passed" or "failed"
	Message          string                  `json:"message"`
	AssertionResults []vitestAssertionResult `json:"assertionResults"`
}

type vitestAssertionResult struct {
	FullName        string   `json:"fullName"`
	Status          string   `json:"status"` // "passed", "failed"
	FailureMessages []string `json:"failureMessages"`
}

func (p *VitestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var raw vitestOutput
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		res := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		res.Summary = fmt.Sprintf("exit code %d (could not parse test JSON)", exitCode)
		return res
	}

	var findings []string
	for _, suite := range raw.TestResults {
		failedAssertions := 0
		for _, a := range suite.AssertionResults {
			if a.Status != "failed" {
				continue
			}
			failedAssertions++
			if len(findings) >= maxFindings {
				continue
			}
			msg := ""
			if len(a.FailureMessages) > 0 {
				msg = firstLines(a.FailureMessages[0], maxExcerptLines)
			}
			findings = append(findings, fmt.Sprintf("%s > %s\n%s", suite.Name, a.FullName, msg))
		}
		// A suite that failed to load has no assertions, only a message.
		if suite.Status == "failed" && failedAssertions == 0 && suite.Message != "" && len(findings) < maxFindings {
			findings = append(findings, fmt.Sprintf("%s\n%s", suite.Name, firstLines(suite.Message, maxExcerptLines)))
		}
	}

	return ParseResult{
		Passed: exitCode == 0 && raw.NumFailedTests == 0,
		Summary: fmt.Sprintf("%d passed, %d failed, %d skipped out of %d",
			raw.NumPassedTests, raw.NumFailedTests, raw.NumPendingTests, raw.NumTotalTests),
		Findings: findings,
	}
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = append(lines[:n], "...")
	}
	return strings.Join(lines, "\n")
}
