package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/tmuxmon/tmo/internal/watcher"
)

// watchDebounce is how long saves are coalesced before a reload. Editors
// write config files in several syscalls; reloading per event would thrash.
const watchDebounce = 500 * time.Millisecond

var configLogger = slog.Default().With("component", "config")

// Watch reloads path on change and hands the new config to onChange. It
// returns a close function to stop watching. A reload that fails to parse
// or validate is logged and skipped; the running config stays in effect.
func Watch(path string, onChange func(*Config)) (func(), error) {
	w, err := watcher.New(func(events []watcher.Event) {
		relevant := false
		for _, e := range events {
			if e.Path == path || filepath.Base(e.Path) == filepath.Base(path) {
				relevant = true
				break
			}
		}
		if !relevant {
			return
		}

		cfg, err := Load(path)
		if err != nil {
			configLogger.Warn("config reload failed; keeping previous", "path", path, "error", err)
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	}, watcher.WithDebounceDuration(watchDebounce))
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	// Watch the file if it exists, otherwise its directory so creation is
	// seen.
	if err := w.Add(path); err != nil {
		dir := filepath.Dir(path)
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching config path %s: %w", path, err)
		}
	}

	return func() { w.Close() }, nil
}
