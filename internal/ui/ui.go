// Package ui provides styled terminal output for the cb command line.
//
// Styling follows the terminal: piped output, NO_COLOR and dumb terminals
// all degrade to plain text, so command output stays grep-friendly.
package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Status symbols used across command output.
const (
	SymbolPass = "✓"
	SymbolWarn = "⚠"
	SymbolFail = "✗"
	SymbolIdle = "-"
)

var (
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true)
)

var enabled = detectStyling()

func detectStyling() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// Width reports the column width of the terminal on stdout, or fallback
// when stdout is not a terminal.
func Width(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// Disable turns styling off for the rest of the process.
func Disable() { enabled = false }

// Enable turns styling back on.
func Enable() { enabled = true }

// Enabled reports whether output is currently styled.
func Enabled() bool { return enabled }

// RenderAccent highlights an identifier or heading.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass styles a success.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles a partial result or caution.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail styles a failure.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderDim styles secondary detail.
func RenderDim(s string) string { return render(dimStyle, s) }

func render(st lipgloss.Style, s string) string {
	if !enabled {
		return s
	}
	return st.Render(s)
}

// Pass returns a success marker with an optional message.
func Pass(msg string) string { return statusLine(RenderPass(SymbolPass), msg) }

// Warn returns a caution marker with an optional message.
func Warn(msg string) string { return statusLine(RenderWarn(SymbolWarn), msg) }

// Fail returns a failure marker with an optional message.
func Fail(msg string) string { return statusLine(RenderFail(SymbolFail), msg) }

func statusLine(sym, msg string) string {
	if msg == "" {
		return sym
	}
	return sym + " " + msg
}

// Table renders rows under headers as two-space separated aligned columns.
// Widths are measured on rendered cells, so styled content keeps alignment.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	head := make([]string, len(headers))
	for i, h := range headers {
		head[i] = render(headerStyle, h)
	}
	writeRow(&b, head, widths)
	for _, row := range rows {
		writeRow(&b, row, widths)
	}
	return b.String()
}

func writeRow(b *strings.Builder, cells []string, widths []int) {
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		b.WriteString(cell)
		if i < len(cells)-1 && i < len(widths)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
		}
	}
	b.WriteByte('\n')
}
