package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tmuxmon/tmo/internal/output"
	"github.com/tmuxmon/tmo/internal/state"
)

// snapshotStaleAfter is when the status display starts warning that the
// persisted fleet view may be outdated.
const snapshotStaleAfter = 15 * time.Minute

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and fleet status",
		Long: `Report whether the monitor daemon is running and render the most
recently persisted fleet snapshot: agents by state and the per-session PM
recovery records. The snapshot lags live state by up to one persist
interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

type statusView struct {
	DaemonRunning bool           `json:"daemon_running"`
	DaemonPid     int            `json:"daemon_pid,omitempty"`
	SnapshotAt    *time.Time     `json:"snapshot_at,omitempty"`
	SnapshotStale bool           `json:"snapshot_stale"`
	Agents        []agentView    `json:"agents"`
	PmRecords     []pmRecordView `json:"pm_records"`
	StateCounts   map[string]int `json:"state_counts"`
}

type agentView struct {
	Target       string `json:"target"`
	Role         string `json:"role"`
	State        string `json:"state"`
	IdleSamples  int    `json:"idle_samples"`
	LastActiveAt string `json:"last_active_at,omitempty"`
}

func agentViews(agents []state.Agent) []agentView {
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		av := agentView{
			Target:      a.Target.String(),
			Role:        a.Role.String(),
			State:       a.State.String(),
			IdleSamples: a.ConsecutiveIdleSamples,
		}
		if !a.LastSeenActiveAt.IsZero() {
			av.LastActiveAt = a.LastSeenActiveAt.Format(time.RFC3339)
		}
		out = append(out, av)
	}
	return out
}

type pmRecordView struct {
	Session       string `json:"session"`
	Attempts      int    `json:"attempts"`
	LastOutcome   string `json:"last_outcome"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
	GraceUntil    string `json:"grace_until,omitempty"`
}

func runStatus() error {
	f := formatter()

	pid, running, err := daemonPid()
	if err != nil {
		return err
	}

	statePath, err := cfg.StatePath()
	if err != nil {
		return err
	}

	view := statusView{
		DaemonRunning: running,
		DaemonPid:     pid,
		StateCounts:   make(map[string]int),
	}

	createdAt, err := state.SnapshotCreatedAt(statePath)
	haveSnapshot := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, state.ErrCorruptSnapshot) {
		return err
	}
	if haveSnapshot {
		view.SnapshotAt = &createdAt
		view.SnapshotStale = time.Since(createdAt) > snapshotStaleAfter

		tracker := state.NewTracker()
		if err := tracker.Load(statePath); err != nil {
			return err
		}
		view.Agents = agentViews(tracker.Agents())
		for _, av := range view.Agents {
			view.StateCounts[av.State]++
		}
		for _, r := range tracker.PmRecords() {
			pv := pmRecordView{
				Session:     r.Session,
				Attempts:    r.AttemptCount,
				LastOutcome: r.LastOutcome.String(),
			}
			if !r.CooldownUntil.IsZero() {
				pv.CooldownUntil = r.CooldownUntil.Format(time.RFC3339)
			}
			if !r.GraceUntil.IsZero() {
				pv.GraceUntil = r.GraceUntil.Format(time.RFC3339)
			}
			view.PmRecords = append(view.PmRecords, pv)
		}
	}

	if f.IsJSON() {
		return f.JSON(view)
	}

	renderStatus(f, view, haveSnapshot)
	return nil
}

func renderStatus(f *output.Formatter, view statusView, haveSnapshot bool) {
	if view.DaemonRunning {
		f.Textln("monitor: running (pid %d)", view.DaemonPid)
	} else {
		f.Textln("monitor: not running")
	}

	if !haveSnapshot {
		f.Textln("no fleet snapshot yet")
		return
	}

	age := time.Since(*view.SnapshotAt).Round(time.Second)
	f.Textln("snapshot: %s ago", age)
	if view.SnapshotStale {
		f.Textln("warning: snapshot is stale; the daemon may not be persisting")
	}
	f.Line()

	if len(view.Agents) == 0 {
		f.Textln("no agents in snapshot")
	} else {
		table := output.NewTable(f.Writer(), f.ColorEnabled(), "TARGET", "ROLE", "STATE", "IDLE", "LAST ACTIVE")
		for _, a := range view.Agents {
			lastActive := "-"
			if a.LastActiveAt != "" {
				lastActive = a.LastActiveAt
			}
			table.AddRow(a.Target, a.Role, f.StateBadge(a.State), fmt.Sprintf("%d", a.IdleSamples), lastActive)
		}
		table.WithFooter(output.CountStr(len(view.Agents), "agent", "agents")).Render()
	}

	if len(view.PmRecords) > 0 {
		f.Line()
		f.Textln("pm recovery:")
		table := output.NewTable(f.Writer(), f.ColorEnabled(), "SESSION", "ATTEMPTS", "OUTCOME", "COOLDOWN UNTIL")
		for _, r := range view.PmRecords {
			cooldown := "-"
			if r.CooldownUntil != "" {
				cooldown = r.CooldownUntil
			}
			table.AddRow(r.Session, fmt.Sprintf("%d", r.Attempts), r.LastOutcome, cooldown)
		}
		table.Render()
	}
}
