package agent

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Sentinel markers the agent prints to report its verdict.
const (
	MarkerComplete = "TASK_COMPLETE"
	MarkerFailed   = "TASK_FAILED:"
)

// OutcomeKind classifies agent output.
type OutcomeKind int

const (
	// Success: completion marker, or a clean exit without a failure marker.
	Success OutcomeKind = iota
	// ExplicitFailure: the agent printed TASK_FAILED.
	ExplicitFailure
	// RateLimited: no marker and the output mentions a rate, quota or
	// context limit.
	RateLimited
	// Ambiguous: non-zero exit with no marker.
	Ambiguous
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case ExplicitFailure:
		return "explicit_failure"
	case RateLimited:
		return "rate_limited"
	case Ambiguous:
		return "ambiguous"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the interpreted result of one agent run. Reason is set for
// every kind except Success.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

var failedRe = regexp.MustCompile(`(?m)` + regexp.QuoteMeta(MarkerFailed) + `[ \t]*(.*)$`)

var rateLimitPhrases = []string{
	"rate limit",
	"rate-limit",
	"rate_limit",
	"usage limit",
	"quota exceeded",
	"exceeded your current quota",
	"too many requests",
	"overloaded_error",
	"context window",
	"context length exceeded",
	"prompt is too long",
}

// ParseOutcome interprets agent output. Rate-limit, quota and context
// overflow phrases take precedence over the markers, which take precedence
// over the exit code.
func ParseOutcome(output string, exitCode int) Outcome {
	if phrase := rateLimitPhrase(output); phrase != "" {
		return Outcome{Kind: RateLimited, Reason: "agent hit a limit: " + phrase}
	}
	if m := failedRe.FindStringSubmatch(output); m != nil {
		reason := strings.TrimSpace(m[1])
		if reason == "" {
			reason = "agent reported failure without a reason"
		}
		return Outcome{Kind: ExplicitFailure, Reason: reason}
	}
	if strings.Contains(output, MarkerComplete) {
		return Outcome{Kind: Success}
	}
	if exitCode == 0 {
		return Outcome{Kind: Success}
	}
	return Outcome{Kind: Ambiguous, Reason: fmt.Sprintf("agent exited with code %d without a completion marker%s", exitCode, lastLineSuffix(output))}
}

// Interpret applies ParseOutcome to a Result, treating an is_error result
// event like a non-zero exit.
func Interpret(res *Result) Outcome {
	code := res.ExitCode
	if res.IsError && code == 0 {
		code = 1
	}
	text := res.Text
	if res.Stderr != "" {
		text += "\n" + res.Stderr
	}
	return ParseOutcome(text, code)
}

func rateLimitPhrase(output string) string {
	lower := strings.ToLower(output)
	for _, p := range rateLimitPhrases {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

func lastLineSuffix(output string) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return ""
	}
	if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if len(trimmed) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
			cut--
		}
		trimmed = trimmed[:cut]
	}
	return ": " + trimmed
}
