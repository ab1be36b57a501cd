// Package e2e exercises tmo against a real tmux server. The tests create
// throwaway sessions and are gated: they run only outside short mode, with
// tmux on PATH, and with TMO_E2E_TESTS=1 set.
package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"
)

// requireE2E skips the test unless the e2e prerequisites are met.
func requireE2E(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	if os.Getenv("TMO_E2E_TESTS") != "1" {
		t.Skip("TMO_E2E_TESTS not set, skipping e2e test")
	}
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not found, skipping e2e test")
	}
}

// newTestSession creates a detached throwaway tmux session and registers
// its teardown. The name is unique per test run so parallel runs and
// leftover sessions from crashed runs never collide.
func newTestSession(t *testing.T) string {
	t.Helper()

	session := fmt.Sprintf("tmo_e2e_%d_%d", os.Getpid(), time.Now().UnixNano()%1_000_000)
	cmd := exec.Command("tmux", "new-session", "-d", "-s", session, "-x", "200", "-y", "50")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("creating tmux session: %v\n%s", err, out)
	}
	t.Cleanup(func() {
		exec.Command("tmux", "kill-session", "-t", session).Run()
	})
	return session
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, msg)
}

// testContext returns a context bounded to the test deadline.
func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx := context.Background()
	if deadline, ok := t.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline.Add(-time.Second))
		t.Cleanup(cancel)
	}
	return ctx
}
