package controller

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	promptColor  = lipgloss.Color("#7C3AED") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

// styles render operator output. Colors are dropped when the output is not a
// terminal.
type styles struct {
	prompt lipgloss.Style
	reply  lipgloss.Style
	file   lipgloss.Style
	info   lipgloss.Style
	notice lipgloss.Style
	err    lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		prompt: r.NewStyle().Foreground(promptColor).Bold(true),
		reply:  r.NewStyle(),
		file:   r.NewStyle().Foreground(successColor),
		info:   r.NewStyle().Foreground(mutedColor),
		notice: r.NewStyle().Foreground(warningColor),
		err:    r.NewStyle().Foreground(errorColor).Bold(true),
	}
}

// renderLines styles each line on its own so multi-line replies are not
// padded to a common width.
func renderLines(style lipgloss.Style, text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = style.Render(line)
	}
	return strings.Join(lines, "\n")
}
