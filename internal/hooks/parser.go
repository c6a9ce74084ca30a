package hooks

// ParseResult holds the normalized output from a parser.
//
// Findings are short excerpts fed back to the agent on retry. Category
// overrides the check kind, e.g. syntax for a build failure reported by a
// test command.
type ParseResult struct {
	Passed   bool     `json:"passed"`
	Summary  string   `json:"summary"`
	Findings []string `json:"findings,omitempty"`
	Category string   `json:"category,omitempty"`
}

// Parser converts raw command output into a structured ParseResult.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) ParseResult
}
