package output

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Similarity returns how much of a and b is shared text, 0 to 1. Two empty
// strings are identical.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	equal := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			equal += len(d.Text)
		}
	}
	return float64(equal) / float64(longest)
}

// LineDiff renders a line-oriented diff of a against b with -/+ prefixes.
// When color is enabled removals are red and insertions green.
func (f *Formatter) LineDiff(a, b string) string {
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		var style lipgloss.Style
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
			style = lipgloss.NewStyle().Foreground(colorRed)
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
			style = lipgloss.NewStyle().Foreground(colorGreen)
		}

		for _, line := range splitKeepNonEmpty(d.Text) {
			out := prefix + line
			if f.color && d.Type != diffmatchpatch.DiffEqual {
				out = style.Render(out)
			}
			sb.WriteString(out)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func splitKeepNonEmpty(text string) []string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}
