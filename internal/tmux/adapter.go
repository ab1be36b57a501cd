package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Defaults for adapter behavior. Every sleep and timeout is named; callers
// override them through options or configuration.
const (
	DefaultCaptureLines = 50
	DefaultCallTimeout  = 10 * time.Second
	DefaultSettleDelay  = 50 * time.Millisecond

	// sendChunkSize bounds a single send-keys literal argument. Very long
	// strings can exceed argv limits and trip terminal input buffers.
	sendChunkSize = 4096
)

// Adapter is the window-level contract the monitoring core consumes.
// Implementations must not retry; callers own retry policy.
type Adapter interface {
	// ListTargets lists every window in every session, sessions in server
	// order, windows by index. An unreachable server yields an empty list
	// because tmux exits when its last session closes.
	ListTargets(ctx context.Context) ([]Target, error)

	// Capture returns the last lines of on-screen text for the target.
	// Fails permanent if the target does not exist.
	Capture(ctx context.Context, target Target, lines int) (*Snapshot, error)

	// Send sends text as literal keystrokes. With submit, the text is
	// followed by a settle delay and then a newline; the delay defeats
	// terminal input debouncing.
	Send(ctx context.Context, target Target, text string, submit bool) error

	// Spawn creates a new window named windowName in session running
	// command and returns its target.
	Spawn(ctx context.Context, session, windowName, command string) (Target, error)

	Close() error
}

// CLIAdapter implements Adapter by shelling out to the tmux binary.
type CLIAdapter struct {
	exec        Executor
	callTimeout time.Duration
	settleDelay time.Duration
	sleep       func(time.Duration)
}

// Option configures a CLIAdapter.
type Option func(*CLIAdapter)

// WithExecutor sets a custom executor (for testing).
func WithExecutor(e Executor) Option {
	return func(a *CLIAdapter) {
		a.exec = e
	}
}

// WithBinaryPath sets the path to the tmux binary.
func WithBinaryPath(path string) Option {
	return func(a *CLIAdapter) {
		if path == "" {
			return
		}
		if execImpl, ok := a.exec.(*DefaultExecutor); ok {
			execImpl.BinaryPath = path
		}
	}
}

// WithCallTimeout bounds every tmux invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(a *CLIAdapter) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// WithSettleDelay sets the pause between literal text and the submit newline.
func WithSettleDelay(d time.Duration) Option {
	return func(a *CLIAdapter) {
		if d >= 0 {
			a.settleDelay = d
		}
	}
}

// NewCLIAdapter creates an adapter over the local tmux binary.
func NewCLIAdapter(opts ...Option) *CLIAdapter {
	a := &CLIAdapter{
		exec:        &DefaultExecutor{},
		callTimeout: DefaultCallTimeout,
		settleDelay: DefaultSettleDelay,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// run executes one tmux invocation under the per-call timeout and returns
// trimmed stdout with invalid UTF-8 replaced.
func (a *CLIAdapter) run(ctx context.Context, op, target string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	out, err := a.exec.Run(ctx, args...)
	if err != nil {
		return "", classifyRunError(op, target, err)
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(out), "�")), nil
}

// ListTargets lists all windows across all sessions.
func (a *CLIAdapter) ListTargets(ctx context.Context) ([]Target, error) {
	out, err := a.run(ctx, "list-targets", "", "list-windows", "-a", "-F", "#{session_name}:#{window_index}")
	if err != nil {
		// No server means no sessions, which is an empty fleet rather
		// than a failure.
		var ae *AdapterError
		if errors.As(err, &ae) && isServerDown(ae.Err) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var targets []Target
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		t, err := ParseTarget(line)
		if err != nil {
			// Sessions with names outside the addressable form are
			// skipped; the monitor cannot round-trip them.
			continue
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Capture returns the last lines of pane text for target.
func (a *CLIAdapter) Capture(ctx context.Context, target Target, lines int) (*Snapshot, error) {
	if lines <= 0 {
		lines = DefaultCaptureLines
	}

	out, err := a.run(ctx, "capture", target.String(),
		"capture-pane", "-p", "-t", target.String(), "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, &AdapterError{
			Op:        "capture",
			Target:    target.String(),
			Transient: true,
			Err:       errors.New("empty capture output"),
		}
	}
	return NewSnapshot(target, out), nil
}

// Send sends text as literal keystrokes, chunked to stay under argv limits.
func (a *CLIAdapter) Send(ctx context.Context, target Target, text string, submit bool) error {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > sendChunkSize {
			cut := sendChunkSize
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			chunk = text[:cut]
		}
		if _, err := a.run(ctx, "send", target.String(),
			"send-keys", "-t", target.String(), "-l", "--", chunk); err != nil {
			return err
		}
		text = text[len(chunk):]
	}

	if submit {
		a.sleep(a.settleDelay)
		if _, err := a.run(ctx, "send", target.String(),
			"send-keys", "-t", target.String(), "C-m"); err != nil {
			return err
		}
	}
	return nil
}

// Spawn creates a new window in session running command. The window is
// created detached so the monitor never steals focus.
func (a *CLIAdapter) Spawn(ctx context.Context, session, windowName, command string) (Target, error) {
	if err := ValidateSessionName(session); err != nil {
		return Target{}, &AdapterError{Op: "spawn", Target: session, Transient: false, Err: err}
	}
	safe, err := SanitizeCommand(command)
	if err != nil {
		return Target{}, &AdapterError{Op: "spawn", Target: session, Transient: false, Err: err}
	}

	args := []string{"new-window", "-d", "-t", session + ":", "-n", windowName, "-P", "-F", "#{session_name}:#{window_index}"}
	if safe != "" {
		args = append(args, safe)
	}

	out, err := a.run(ctx, "spawn", session, args...)
	if err != nil {
		return Target{}, err
	}
	target, perr := ParseTarget(firstLine(out))
	if perr != nil {
		return Target{}, &AdapterError{Op: "spawn", Target: session, Transient: true,
			Err: fmt.Errorf("unexpected new-window output %q: %w", out, perr)}
	}
	return target, nil
}

// Close releases adapter resources. The CLI adapter holds none; pooling and
// age tracking live in the pool.
func (a *CLIAdapter) Close() error { return nil }

// SanitizeCommand rejects control characters that could inject unintended
// key sequences (e.g., newlines, carriage returns, escapes) when handed to
// tmux as a window command.
func SanitizeCommand(cmd string) (string, error) {
	for _, r := range cmd {
		switch {
		case r == '\n', r == '\r', r == 0:
			return "", errors.New("command contains disallowed control characters")
		case r < 0x20 && r != ' ' && r != '\t':
			return "", fmt.Errorf("command contains disallowed control character 0x%02x", r)
		}
	}
	return cmd, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
