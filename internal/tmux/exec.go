package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Executor runs the tmux binary. Tests inject scripted implementations.
type Executor interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// DefaultExecutor runs the actual tmux binary.
type DefaultExecutor struct {
	BinaryPath string
}

// Run executes tmux with the given arguments and returns stdout.
func (e *DefaultExecutor) Run(ctx context.Context, args ...string) ([]byte, error) {
	binary := e.BinaryPath
	if binary == "" {
		binary = BinaryPath()
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w: %s", binary, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

var (
	tmuxBinaryOnce sync.Once
	tmuxBinaryPath string
)

// BinaryPath returns the resolved tmux binary path for local execution.
// It prefers standard install locations and falls back to PATH lookup.
func BinaryPath() string {
	tmuxBinaryOnce.Do(func() {
		tmuxBinaryPath = resolveTmuxBinaryPath()
	})
	if tmuxBinaryPath == "" {
		return "tmux"
	}
	return tmuxBinaryPath
}

func resolveTmuxBinaryPath() string {
	candidates := []string{
		"/usr/bin/tmux",
		"/usr/local/bin/tmux",
		"/opt/homebrew/bin/tmux",
	}
	for _, path := range candidates {
		if binaryExists(path) {
			return path
		}
	}
	if path, err := exec.LookPath("tmux"); err == nil && path != "" {
		return path
	}
	return "/usr/bin/tmux"
}

func binaryExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// IsInstalled checks if tmux is available on this host.
func IsInstalled() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// EnsureInstalled returns an error if tmux is not installed.
func EnsureInstalled() error {
	if !IsInstalled() {
		return fmt.Errorf("tmux is not installed; install it with your package manager (apt install tmux, brew install tmux)")
	}
	return nil
}

// InTmux returns true if currently inside a tmux session.
func InTmux() bool {
	return os.Getenv("TMUX") != ""
}
