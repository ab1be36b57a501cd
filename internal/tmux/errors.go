package tmux

import (
	"context"
	"errors"
	"strings"
)

// AdapterError wraps a failed tmux invocation. Transient errors (timeouts,
// empty output) may be retried by callers; permanent errors (missing
// target, unreachable server) must not be.
type AdapterError struct {
	Op        string
	Target    string
	Transient bool
	Err       error
}

func (e *AdapterError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Target == "" {
		return "tmux " + e.Op + " (" + kind + "): " + e.Err.Error()
	}
	return "tmux " + e.Op + " " + e.Target + " (" + kind + "): " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable adapter error.
func IsTransient(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Transient
}

// IsPermanent reports whether err is a non-retryable adapter error.
func IsPermanent(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && !ae.Transient
}

// Error strings tmux prints for targets that do not exist.
var missingTargetMarkers = []string{
	"can't find window",
	"can't find session",
	"can't find pane",
	"no such window",
	"session not found",
}

// Error strings tmux prints when no server is reachable. For listings this
// means an empty fleet (tmux exits when its last session closes); for
// per-target operations it is permanent.
var serverDownMarkers = []string{
	"no server running",
	"no sessions",
	"error connecting to",
}

func isMissingTarget(err error) bool {
	return containsAnyMarker(err, missingTargetMarkers)
}

func isServerDown(err error) bool {
	return containsAnyMarker(err, serverDownMarkers)
}

func containsAnyMarker(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classifyRunError converts a raw executor failure into an AdapterError.
// Context timeouts and cancellations are transient; a missing target or a
// dead server is permanent; anything unrecognised defaults to transient so
// the retry layer gets one chance before surfacing UNKNOWN.
func classifyRunError(op, target string, err error) *AdapterError {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &AdapterError{Op: op, Target: target, Transient: true, Err: err}
	case isMissingTarget(err), isServerDown(err):
		return &AdapterError{Op: op, Target: target, Transient: false, Err: err}
	default:
		return &AdapterError{Op: op, Target: target, Transient: true, Err: err}
	}
}
