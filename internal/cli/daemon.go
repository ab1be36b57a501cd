package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/tmuxmon/tmo/internal/util"
)

// Daemon bookkeeping files live in the data directory next to the state
// snapshot.
const (
	lockFileName = "tmo.lock"
	pidFileName  = "tmo.pid"
)

func daemonPaths() (lockPath, pidPath string, err error) {
	dir, err := util.DataDir()
	if err != nil {
		return "", "", err
	}
	if err := util.EnsureDir(dir); err != nil {
		return "", "", fmt.Errorf("creating data directory: %w", err)
	}
	return filepath.Join(dir, lockFileName), filepath.Join(dir, pidFileName), nil
}

// acquireDaemonLock takes the exclusive daemon flock and writes the
// pidfile. The flock, not the pidfile, is what prevents concurrent
// daemons; the pidfile exists so stop and status can find the process.
// The returned release removes the pidfile and drops the lock.
func acquireDaemonLock() (release func(), err error) {
	lockPath, pidPath, err := daemonPaths()
	if err != nil {
		return nil, err
	}

	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("monitor already running (lock held at %s)", lockPath)
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("writing pidfile: %w", err)
	}

	return func() {
		_ = os.Remove(pidPath)
		_ = fileLock.Unlock()
	}, nil
}

// daemonPid reads the pidfile and verifies the process is alive. A stale
// pidfile is removed.
func daemonPid() (int, bool, error) {
	_, pidPath, err := daemonPaths()
	if err != nil {
		return 0, false, err
	}

	data, err := os.ReadFile(pidPath)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(pidPath)
		return 0, false, nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false, nil
	}
	// Signal 0 probes liveness without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(pidPath)
		return 0, false, nil
	}
	return pid, true, nil
}
