package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/wordwrap"
)

// Palette for badges and table chrome.
var (
	colorGreen  = lipgloss.Color("2")
	colorYellow = lipgloss.Color("3")
	colorBlue   = lipgloss.Color("4")
	colorRed    = lipgloss.Color("1")
	colorGray   = lipgloss.Color("8")
	colorBold   = lipgloss.NewStyle().Bold(true)
)

// Table renders aligned columnar text.
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	widths  []int
	color   bool
	footer  string
}

// NewTable creates a table with headers. Color applies to the header and
// separator only; cells carry their own styling.
func NewTable(w io.Writer, color bool, headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	return &Table{writer: w, headers: headers, widths: widths, color: color}
}

// AddRow adds a row.
func (t *Table) AddRow(cols ...string) *Table {
	for i, c := range cols {
		w := lipgloss.Width(c)
		if i < len(t.widths) && w > t.widths[i] {
			t.widths[i] = w
		}
	}
	t.rows = append(t.rows, cols)
	return t
}

// WithFooter adds a footer line below the table.
func (t *Table) WithFooter(footer string) *Table {
	t.footer = footer
	return t
}

// RowCount returns the number of data rows.
func (t *Table) RowCount() int { return len(t.rows) }

// Render writes the table.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	pad := func(s string, width int) string {
		gap := width - lipgloss.Width(s)
		if gap <= 0 {
			return s
		}
		return s + strings.Repeat(" ", gap)
	}

	var headerParts []string
	for i, h := range t.headers {
		cell := pad(h, t.widths[i])
		if t.color {
			cell = colorBold.Render(cell)
		}
		headerParts = append(headerParts, cell)
	}
	fmt.Fprintf(t.writer, "  %s\n", strings.Join(headerParts, "  "))

	var sepParts []string
	for _, w := range t.widths {
		sep := strings.Repeat("-", w)
		if t.color {
			sep = lipgloss.NewStyle().Foreground(colorGray).Render(sep)
		}
		sepParts = append(sepParts, sep)
	}
	fmt.Fprintf(t.writer, "  %s\n", strings.Join(sepParts, "  "))

	for _, row := range t.rows {
		var parts []string
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			parts = append(parts, pad(cell, t.widths[i]))
		}
		fmt.Fprintf(t.writer, "  %s\n", strings.Join(parts, "  "))
	}

	if t.footer != "" {
		fmt.Fprintln(t.writer)
		footer := t.footer
		if t.color {
			footer = lipgloss.NewStyle().Foreground(colorGray).Render(footer)
		}
		fmt.Fprintln(t.writer, footer)
	}
}

// StateBadge styles an agent state name.
func (f *Formatter) StateBadge(stateName string) string {
	if !f.color {
		return stateName
	}
	var color lipgloss.Color
	switch strings.ToLower(stateName) {
	case "active":
		color = colorGreen
	case "starting", "recovering":
		color = colorBlue
	case "idle":
		color = colorYellow
	case "stuck":
		color = colorYellow
	case "crashed", "gone":
		color = colorRed
	default:
		color = colorGray
	}
	return lipgloss.NewStyle().Foreground(color).Render(stateName)
}

// SeverityBadge styles a notification severity name.
func (f *Formatter) SeverityBadge(severity string) string {
	if !f.color {
		return severity
	}
	var style lipgloss.Style
	switch strings.ToLower(severity) {
	case "info":
		style = lipgloss.NewStyle().Foreground(colorBlue)
	case "warn":
		style = lipgloss.NewStyle().Foreground(colorYellow)
	case "error":
		style = lipgloss.NewStyle().Foreground(colorRed)
	case "critical":
		style = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	default:
		style = lipgloss.NewStyle().Foreground(colorGray)
	}
	return style.Render(severity)
}

// Truncate shortens s to maxWidth display cells, appending "..." when it
// had to cut.
func Truncate(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}

// Wrap word-wraps s to width columns.
func Wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	return wordwrap.String(s, width)
}

// Pluralize returns the singular or plural form for count.
func Pluralize(count int, singular, plural string) string {
	if count == 1 {
		return singular
	}
	return plural
}

// CountStr formats "N thing(s)".
func CountStr(count int, singular, plural string) string {
	return fmt.Sprintf("%d %s", count, Pluralize(count, singular, plural))
}
