package agent

import (
	"encoding/json"
	"strings"
)

// Usage is the token and cost accounting reported by the agent. Nil fields
// were not reported.
type Usage struct {
	InputTokens  *int64
	OutputTokens *int64
	CostUSD      *float64
}

// ResultEvent is what could be read from the agent's stdout.
type ResultEvent struct {
	Text    string
	IsError bool
	Usage   Usage
	// Found is false when stdout held no JSON result event.
	Found bool
}

// resultEvent is the final object printed by `claude -p --output-format
// json`, and the last line of `--output-format stream-json`.
type resultEvent struct {
	Type         string   `json:"type"`
	Result       *string  `json:"result"`
	IsError      bool     `json:"is_error"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	Usage        *struct {
		InputTokens              *int64 `json:"input_tokens"`
		OutputTokens             *int64 `json:"output_tokens"`
		CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// ParseResultEvent extracts the final message and usage from agent stdout.
// Plain-text output yields the whole stdout as Text.
func ParseResultEvent(stdout string) ResultEvent {
	trimmed := strings.TrimSpace(stdout)
	if ev, ok := decodeResult(trimmed); ok {
		return ev
	}
	// Stream output: the result event is the last JSON line.
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if ev, ok := decodeResult(line); ok {
			return ev
		}
	}
	return ResultEvent{Text: stdout}
}

func decodeResult(s string) (ResultEvent, bool) {
	if !strings.HasPrefix(s, "{") {
		return ResultEvent{}, false
	}
	var raw resultEvent
	if err := json.Unmarshal([]byte(s), &raw); err != nil || raw.Type != "result" {
		return ResultEvent{}, false
	}
	ev := ResultEvent{IsError: raw.IsError, Found: true}
	if raw.Result != nil {
		ev.Text = *raw.Result
	}
	ev.Usage.CostUSD = raw.TotalCostUSD
	if u := raw.Usage; u != nil {
		ev.Usage.OutputTokens = u.OutputTokens
		if u.InputTokens != nil {
			total := *u.InputTokens + deref(u.CacheCreationInputTokens) + deref(u.CacheReadInputTokens)
			ev.Usage.InputTokens = &total
		}
	}
	return ev, true
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
