package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		exitCode int
		kind     OutcomeKind
		reason   string
	}{
		{"completion marker", "done.\nTASK_COMPLETE\n", 0, Success, ""},
		{"completion marker with non-zero exit", "TASK_COMPLETE", 1, Success, ""},
		{"clean exit without markers", "all finished", 0, Success, ""},
		{"explicit failure", "TASK_FAILED: cannot reach database\n", 0, ExplicitFailure, "cannot reach database"},
		{"failure wins over completion", "TASK_COMPLETE\nTASK_FAILED: tests still red", 0, ExplicitFailure, "tests still red"},
		{"failure without reason", "TASK_FAILED:", 1, ExplicitFailure, "agent reported failure without a reason"},
		{"rate limit", "Error: Rate Limit reached for requests", 1, RateLimited, "agent hit a limit: rate limit"},
		{"usage limit", "Claude usage limit reached. Your limit will reset at 5pm", 1, RateLimited, "agent hit a limit: usage limit"},
		{"context overflow", "Prompt is too long", 1, RateLimited, "agent hit a limit: prompt is too long"},
		{"rate limit wins over failure marker", "TASK_FAILED: API rate limit exceeded, try later", 1, RateLimited, "agent hit a limit: rate limit"},
		{"rate limit wins over completion marker", "TASK_COMPLETE\nError: 429 Too Many Requests", 1, RateLimited, "agent hit a limit: too many requests"},
		{"ambiguous", "panic: something\nexit status 2", 2, Ambiguous, "agent exited with code 2 without a completion marker: exit status 2"},
		{"ambiguous empty", "", 1, Ambiguous, "agent exited with code 1 without a completion marker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseOutcome(tt.output, tt.exitCode)
			if got.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestInterpret_IsErrorCountsAsFailure(t *testing.T) {
	res := &Result{Stdout: "{}", Text: "something went wrong", IsError: true}
	got := Interpret(res)
	if got.Kind != Ambiguous {
		t.Errorf("Kind = %v, want ambiguous", got.Kind)
	}
}

func TestInterpret_ReadsStderr(t *testing.T) {
	res := &Result{Stdout: "", Text: "", Stderr: "API Error: 429 Too Many Requests", ExitCode: 1}
	if got := Interpret(res); got.Kind != RateLimited {
		t.Errorf("Kind = %v, want rate_limited", got.Kind)
	}
}

func TestParseResultEvent(t *testing.T) {
	t.Run("json result", func(t *testing.T) {
		out := `{"type":"result","subtype":"success","is_error":false,"result":"Implemented.\nTASK_COMPLETE","total_cost_usd":0.42,"usage":{"input_tokens":100,"cache_read_input_tokens":900,"output_tokens":250}}`
		ev := ParseResultEvent(out)
		if !ev.Found {
			t.Fatal("expected result event")
		}
		if ev.Text != "Implemented.\nTASK_COMPLETE" {
			t.Errorf("Text = %q", ev.Text)
		}
		if ev.Usage.InputTokens == nil || *ev.Usage.InputTokens != 1000 {
			t.Errorf("InputTokens = %v, want 1000", ev.Usage.InputTokens)
		}
		if ev.Usage.OutputTokens == nil || *ev.Usage.OutputTokens != 250 {
			t.Errorf("OutputTokens = %v, want 250", ev.Usage.OutputTokens)
		}
		if ev.Usage.CostUSD == nil || *ev.Usage.CostUSD != 0.42 {
			t.Errorf("CostUSD = %v, want 0.42", ev.Usage.CostUSD)
		}
	})

	t.Run("stream json", func(t *testing.T) {
		out := `{"type":"system","subtype":"init"}
{"type":"assistant","message":{"content":[]}}
{"type":"result","is_error":true,"result":"rate limit"}
`
		ev := ParseResultEvent(out)
		if !ev.Found || !ev.IsError || ev.Text != "rate limit" {
			t.Errorf("ev = %+v", ev)
		}
		if ev.Usage.CostUSD != nil || ev.Usage.InputTokens != nil {
			t.Errorf("unreported usage should be nil: %+v", ev.Usage)
		}
	})

	t.Run("plain text", func(t *testing.T) {
		ev := ParseResultEvent("hello\nTASK_COMPLETE\n")
		if ev.Found {
			t.Error("plain text should not be a result event")
		}
		if ev.Text != "hello\nTASK_COMPLETE\n" {
			t.Errorf("Text = %q", ev.Text)
		}
	})
}

func TestExecRunner_Run(t *testing.T) {
	r := &ExecRunner{Command: "sh", Args: []string{"-c", `read line; echo "got $line"; echo TASK_COMPLETE; echo warn >&2; exit 3`}}
	res, err := r.Run(context.Background(), Request{Prompt: "implement T-1\n", Workdir: t.TempDir(), Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "got implement T-1") {
		t.Errorf("Stdout = %q, want prompt echoed from stdin", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "warn" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if got := Interpret(res); got.Kind != Success {
		t.Errorf("Interpret = %v, want success", got.Kind)
	}
	if !strings.Contains(res.Output(), "--- stderr ---") {
		t.Errorf("Output() = %q", res.Output())
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	r := &ExecRunner{Command: "sh", Args: []string{"-c", "exec sleep 5"}}
	res, err := r.Run(context.Background(), Request{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if res == nil || !res.TimedOut {
		t.Errorf("res = %+v, want TimedOut", res)
	}
}

func TestExecRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &ExecRunner{Command: "sh", Args: []string{"-c", "exec sleep 5"}}
	_, err := r.Run(ctx, Request{Timeout: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExecRunner_MissingCommand(t *testing.T) {
	r := &ExecRunner{Command: "definitely-not-a-real-agent-binary"}
	_, err := r.Run(context.Background(), Request{})
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want start error", err)
	}
}

func TestParseOutcome_LongLastLineKeepsRuneBoundary(t *testing.T) {
	out := ParseOutcome("a"+strings.Repeat("é", 150), 1)
	if !utf8.ValidString(out.Reason) {
		t.Errorf("Reason is not valid UTF-8: %q", out.Reason)
	}
	if !strings.HasSuffix(out.Reason, ": a"+strings.Repeat("é", 99)) {
		t.Errorf("Reason = %q", out.Reason)
	}
}
