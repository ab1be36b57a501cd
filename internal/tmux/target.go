// Package tmux wraps the tmux binary behind a narrow adapter used by the
// monitoring core: list windows, capture pane text, send keystrokes, spawn
// windows. The adapter never retries; retry policy belongs to callers.
package tmux

import (
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// sessionNameRegex matches valid session identifiers. tmux itself allows
// more, but the monitor only addresses sessions it can round-trip through
// the session:window target form.
var sessionNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Target addresses a window within the multiplexer. The canonical string
// form is "session:window". Targets are value objects; equality is equality
// of the canonical form.
type Target struct {
	Session string
	Window  int
}

// NewTarget builds a target from its parts.
func NewTarget(session string, window int) Target {
	return Target{Session: session, Window: window}
}

// ParseTarget parses the canonical "session:window" form. The session must
// match [A-Za-z0-9_-]+ and the window must be a non-negative integer.
func ParseTarget(s string) (Target, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Target{}, fmt.Errorf("invalid target %q: want session:window", s)
	}
	session := s[:idx]
	if !sessionNameRegex.MatchString(session) {
		return Target{}, fmt.Errorf("invalid target %q: bad session name", s)
	}
	window, err := strconv.Atoi(s[idx+1:])
	if err != nil || window < 0 {
		return Target{}, fmt.Errorf("invalid target %q: bad window index", s)
	}
	return Target{Session: session, Window: window}, nil
}

// String returns the canonical session:window form.
func (t Target) String() string {
	return t.Session + ":" + strconv.Itoa(t.Window)
}

// IsZero reports whether the target is the zero value.
func (t Target) IsZero() bool {
	return t.Session == "" && t.Window == 0
}

// Less orders targets by (session, window) so listings are stable.
func (t Target) Less(other Target) bool {
	if t.Session != other.Session {
		return t.Session < other.Session
	}
	return t.Window < other.Window
}

// SortTargets sorts in place by (session, window).
func SortTargets(targets []Target) {
	sort.Slice(targets, func(i, j int) bool { return targets[i].Less(targets[j]) })
}

// ValidateSessionName checks if a session name is usable in targets.
func ValidateSessionName(name string) error {
	if name == "" {
		return errors.New("session name cannot be empty")
	}
	if !sessionNameRegex.MatchString(name) {
		return fmt.Errorf("session name %q: only letters, digits, '_' and '-' allowed", name)
	}
	return nil
}

// Snapshot is a captured pane buffer plus its content hash. Only the most
// recent snapshot per target is cached; snapshots are never persisted.
type Snapshot struct {
	Target     Target
	Text       string
	Hash       uint64
	CapturedAt time.Time
}

// NewSnapshot hashes text and stamps the capture time.
func NewSnapshot(target Target, text string) *Snapshot {
	return &Snapshot{
		Target:     target,
		Text:       text,
		Hash:       HashText(text),
		CapturedAt: time.Now(),
	}
}

// HashText returns the FNV-1a hash used for pane change detection.
func HashText(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}
