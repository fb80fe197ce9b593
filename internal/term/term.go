// Package term renders CLI output: status colors, headings and aligned
// tables.
//
// Color follows terminal detection on stdout: it is off when stdout is not
// a terminal or NO_COLOR is set. Disable forces it off for --no-color.
package term

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	mu       sync.Mutex
	renderer = lipgloss.NewRenderer(os.Stdout)
	detected = renderer.ColorProfile()
)

// Disable forces colors off, or restores the detected profile.
func Disable(off bool) {
	mu.Lock()
	defer mu.Unlock()
	if off {
		renderer.SetColorProfile(termenv.Ascii)
		return
	}
	renderer.SetColorProfile(detected)
}

func style(color string) lipgloss.Style {
	return renderer.NewStyle().Foreground(lipgloss.Color(color))
}

func render(s lipgloss.Style, text string) string {
	mu.Lock()
	defer mu.Unlock()
	return s.Render(text)
}

func Bold(s string) string  { return render(renderer.NewStyle().Bold(true), s) }
func Dim(s string) string   { return render(style("8"), s) }
func Green(s string) string { return render(style("10"), s) }
func Red(s string) string   { return render(style("9"), s) }

// Yellow is used for transitional states and warnings.
func Yellow(s string) string { return render(style("11"), s) }

// Status colors a lifecycle state: green for running or completed, red for
// failed or error, yellow while transitioning, dim once stopped.
func Status(s string) string {
	switch strings.ToLower(s) {
	case "running", "completed", "ok", "true":
		return Green(s)
	case "failed", "error", "false":
		return Red(s)
	case "pending", "creating", "starting", "stopping":
		return Yellow(s)
	default:
		return Dim(s)
	}
}

// PadRight pads s to the given visible width. Unlike %-Ns it ignores
// escape sequences when measuring.
func PadRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// Table writes rows under a bold header with columns aligned on visible
// width. Cells may already be colored.
func Table(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	line := func(cells []string, decorate func(string) string) {
		var b strings.Builder
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if i > 0 {
				b.WriteString("  ")
			}
			if i == len(cells)-1 {
				b.WriteString(decorate(cell))
				continue
			}
			b.WriteString(PadRight(decorate(cell), widths[i]))
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
	line(headers, Bold)
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
}
