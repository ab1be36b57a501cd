// Package output renders CLI results as plain text, styled tables, or
// JSON. Color is used only when writing to a terminal and NO_COLOR is
// unset.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Format selects the rendering mode.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Formatter writes command output in one format.
type Formatter struct {
	writer io.Writer
	format Format
	color  bool
	width  int
}

// New creates a formatter for w. Color is enabled only for terminals with
// a color-capable profile.
func New(w io.Writer, format Format) *Formatter {
	color := false
	width := 0
	if f, ok := w.(*os.File); ok {
		if isatty.IsTerminal(f.Fd()) {
			color = os.Getenv("NO_COLOR") == "" &&
				termenv.NewOutput(f).Profile != termenv.Ascii
			if cols, _, err := term.GetSize(int(f.Fd())); err == nil {
				width = cols
			}
		}
	}
	return &Formatter{writer: w, format: format, color: color, width: width}
}

// IsJSON reports whether the formatter is in JSON mode.
func (f *Formatter) IsJSON() bool { return f.format == FormatJSON }

// ColorEnabled reports whether styled rendering is active.
func (f *Formatter) ColorEnabled() bool { return f.color }

// Writer returns the underlying writer.
func (f *Formatter) Writer() io.Writer { return f.writer }

// Width returns the terminal width in columns, or fallback when the
// writer is not a terminal.
func (f *Formatter) Width(fallback int) int {
	if f.width > 0 {
		return f.width
	}
	return fallback
}

// JSON writes v as indented JSON.
func (f *Formatter) JSON(v any) error {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Text outputs plain text to the formatter's writer.
func (f *Formatter) Text(format string, args ...any) {
	fmt.Fprintf(f.writer, format, args...)
}

// Textln outputs plain text with a newline.
func (f *Formatter) Textln(format string, args ...any) {
	fmt.Fprintf(f.writer, format+"\n", args...)
}

// Line outputs a blank line.
func (f *Formatter) Line() {
	fmt.Fprintln(f.writer)
}

// Println writes text with a newline.
func (f *Formatter) Println(v ...any) {
	fmt.Fprintln(f.writer, v...)
}
