// Package detector classifies pane snapshots into health verdicts. The
// classifier is pure: the same snapshot, prior record, and grace flag
// always yield the same verdict, and the only mutation it implies is
// carried in the verdict for the tracker to apply.
package detector

import (
	"fmt"
	"regexp"
	"strings"
)

// Signature is one configured match rule: a literal substring or a regular
// expression, identified for reporting.
type Signature struct {
	ID      string
	Pattern string
	Regex   bool
}

// SignatureError reports a signature that failed to compile or validate.
// Surfaced at start-up; the daemon refuses to start on it.
type SignatureError struct {
	ID      string
	Pattern string
	Err     error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature %q (pattern %q): %v", e.ID, e.Pattern, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// Compiled is a ready-to-match signature.
type Compiled struct {
	id     string
	substr string
	re     *regexp.Regexp
}

// ID returns the signature's identifier.
func (c Compiled) ID() string { return c.id }

// Matches reports whether text contains the signature. Literal patterns
// match case-insensitively, the way pane text is actually grepped.
func (c Compiled) Matches(text string) bool {
	if c.re != nil {
		return c.re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), c.substr)
}

// Compile builds the ordered match list. Order is preserved: the first
// matching signature wins.
func Compile(sigs []Signature) ([]Compiled, error) {
	out := make([]Compiled, 0, len(sigs))
	for _, s := range sigs {
		if s.Pattern == "" {
			return nil, &SignatureError{ID: s.ID, Pattern: s.Pattern, Err: fmt.Errorf("empty pattern")}
		}
		if s.Regex {
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return nil, &SignatureError{ID: s.ID, Pattern: s.Pattern, Err: err}
			}
			out = append(out, Compiled{id: s.ID, re: re})
			continue
		}
		out = append(out, Compiled{id: s.ID, substr: strings.ToLower(s.Pattern)})
	}
	return out, nil
}

// MatchFirst scans text against the ordered list and returns the id of the
// first matching signature.
func MatchFirst(text string, sigs []Compiled) (string, bool) {
	for _, s := range sigs {
		if s.Matches(text) {
			return s.id, true
		}
	}
	return "", false
}

// ansiPattern matches ANSI escape sequences so pattern matching works on
// raw terminal output.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape sequences from pane text.
func StripANSI(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

// LastNLines returns the last n lines of text, or all of it when shorter.
func LastNLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
