package config

import (
	"fmt"
	"path/filepath"

	"github.com/tmuxmon/tmo/internal/util"
)

// exampleTOML is what `tmo config init` writes: the defaults plus a
// commented signature catalog to start from.
const exampleTOML = `# tmo configuration
# Seconds between monitoring cycle starts (floor 1).
cycle_interval = 10
# "polling" checks agents one at a time; "concurrent" fans out.
strategy     = "concurrent"
max_parallel = 20

[pool]
min             = 5
max             = 20
acquire_timeout = 5   # seconds
max_idle        = 60  # seconds
max_total_age   = 600 # seconds
sweep_interval  = 15  # seconds

[cache]
pane_content_ttl          = 10 # seconds
agent_status_ttl          = 30
session_info_ttl          = 60
config_ttl                = 300
max_entries_per_namespace = 1024

[crash]
stuck_threshold = 6
# Optional YAML catalog with the same signature lists; catalog entries are
# matched before inline entries.
signatures_file = ""

# Terminal-error signatures. There is no built-in list: until you add
# entries here, crash detection relies on hash comparison and idleness.
#
#   [[crash.terminal_error_signatures]]
#   id      = "panic"
#   pattern = "panic:"
#   regex   = false
#
#   [[crash.terminal_error_signatures]]
#   id      = "shell-prompt"
#   pattern = '\$\s*$'
#   regex   = true

# Role signatures, matched in order against pane content; first match wins,
# no match means "other".
#
#   [[crash.role_signatures]]
#   role    = "project_manager"
#   pattern = "PROJECT MANAGER BRIEFING"
#
#   [[crash.role_signatures]]
#   role    = "developer"
#   pattern = "DEVELOPER BRIEFING"

[recovery]
grace_period      = 180 # seconds
cooldown_base     = 30  # seconds
cooldown_growth   = 2.0 # capped at 8x base
max_attempts      = 3
confirm_samples   = 2
pm_launch_command = ""

[notifications]
queue_capacity = 10000
dedupe_window  = 60 # seconds

[persistence]
path             = "" # default: $XDG_DATA_HOME/tmo/state.bin
persist_interval = 300 # seconds

[log]
level  = "info" # debug|info|warn|error
format = "text" # text|json
`

// WriteExample writes the commented example config to path, refusing to
// overwrite an existing file.
func WriteExample(path string) error {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if util.FileExists(path) {
		return fmt.Errorf("config already exists at %s", path)
	}
	return util.AtomicWriteFile(path, []byte(exampleTOML), 0o644)
}
