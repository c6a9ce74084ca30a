package executor

import (
	"time"

	"github.com/lucasnoah/taskfactory/internal/config"
	"github.com/lucasnoah/taskfactory/internal/hooks"
)

// ErrorCode classifies a failed attempt. It is stored on the attempt record.
type ErrorCode string

const (
	CodeRateLimit      ErrorCode = "RATE_LIMIT"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeTestFailure    ErrorCode = "TEST_FAILURE"
	CodeLintFailure    ErrorCode = "LINT_FAILURE"
	CodeSyntax         ErrorCode = "SYNTAX"
	CodeTaskFailed     ErrorCode = "TASK_FAILED"
	CodeHookFailure    ErrorCode = "HOOK_FAILURE"
	CodeReviewRejected ErrorCode = "REVIEW_REJECTED"
	CodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"
	CodeInterrupted    ErrorCode = "INTERRUPTED"
	CodeUnknown        ErrorCode = "UNKNOWN"
)

// Strategy is how the retry controller reacts to an error code.
type Strategy int

const (
	// Linear waits base_delay * (attempt+1).
	Linear Strategy = iota
	// Exponential waits 30s * 2^attempt, capped at 5 minutes.
	Exponential
	// Fatal ends the task without further attempts.
	Fatal
)

func (s Strategy) String() string {
	switch s {
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

const (
	rateLimitBase = 30 * time.Second
	rateLimitCap  = 5 * time.Minute
)

// Classify maps an error code to its retry strategy. Unrecognised codes
// retry linearly like UNKNOWN.
func Classify(code ErrorCode) Strategy {
	switch code {
	case CodeHookFailure, CodeReviewRejected, CodeBudgetExceeded, CodeInterrupted:
		return Fatal
	case CodeRateLimit:
		return Exponential
	default:
		return Linear
	}
}

// Backoff returns the delay before the next attempt. attempt is the
// zero-based index of the attempt that just failed. Fatal codes return 0.
func Backoff(code ErrorCode, attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	switch Classify(code) {
	case Exponential:
		d := rateLimitBase
		for i := 0; i < attempt && d < rateLimitCap; i++ {
			d *= 2
		}
		return min(d, rateLimitCap)
	case Linear:
		return base * time.Duration(attempt+1)
	}
	return 0
}

// codeForHookKind maps a post-done failure kind to an error code.
func codeForHookKind(kind string) ErrorCode {
	switch kind {
	case hooks.KindReview:
		return CodeReviewRejected
	case config.KindLint:
		return CodeLintFailure
	case config.KindSyntax:
		return CodeSyntax
	case config.KindTest:
		return CodeTestFailure
	}
	return CodeHookFailure
}

// carriesExcerpts reports whether failures with code feed check output into
// the next prompt.
func carriesExcerpts(code ErrorCode) bool {
	return code == CodeTestFailure || code == CodeLintFailure || code == CodeSyntax
}
