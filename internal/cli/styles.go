package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/taskfactory/internal/state"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

var (
	accentColor  = lipgloss.Color("#5FAFAF")
	subtleColor  = lipgloss.Color("#666666")
	successColor = lipgloss.Color("#87AF87")
	warnColor    = lipgloss.Color("#D7AF5F")
	errorColor   = lipgloss.Color("#AF5F5F")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	subtleStyle  = lipgloss.NewStyle().Foreground(subtleColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warnColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
)

// badge pads s to width and colours it by status. Padding happens before
// styling so escape codes do not break column alignment.
func badge(s string, width int) string {
	padded := fmt.Sprintf("%-*s", width, s)
	switch s {
	case string(tasks.StatusDone), string(state.StatusSuccess):
		return successStyle.Render(padded)
	case string(tasks.StatusInProgress), string(state.StatusRunning):
		return titleStyle.Render(padded)
	case string(tasks.StatusBlocked), string(state.StatusFailed):
		return errorStyle.Render(padded)
	case "-":
		return subtleStyle.Render(padded)
	}
	return padded
}
