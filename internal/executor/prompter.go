package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// Decision is the operator's answer after a task failed under the ask
// policy.
type Decision int

const (
	DecisionQuit Decision = iota
	DecisionRetry
	DecisionSkip
)

// Prompter asks the operator what to do with a failed task.
type Prompter interface {
	Ask(ctx context.Context, t tasks.Task, code ErrorCode, lastErr string) (Decision, error)
}

// LinePrompter reads answers line by line, e.g. from a terminal.
type LinePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewLinePrompter creates a prompter reading from in and writing to out.
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out}
}

// Ask repeats the question until it gets r, s or q. End of input quits.
func (p *LinePrompter) Ask(ctx context.Context, t tasks.Task, code ErrorCode, lastErr string) (Decision, error) {
	fmt.Fprintf(p.out, "\nTask %s (%s) failed with %s", t.ID, t.Name, code)
	if lastErr != "" {
		fmt.Fprintf(p.out, ": %s", firstLine(lastErr))
	}
	fmt.Fprintln(p.out)

	for {
		if err := ctx.Err(); err != nil {
			return DecisionQuit, err
		}
		fmt.Fprint(p.out, "[r]etry in a fresh session, [s]kip, or [q]uit? ")
		line, err := p.in.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "r", "retry":
			return DecisionRetry, nil
		case "s", "skip":
			return DecisionSkip, nil
		case "q", "quit":
			return DecisionQuit, nil
		}
		if err == io.EOF {
			return DecisionQuit, nil
		}
		if err != nil {
			return DecisionQuit, err
		}
	}
}
