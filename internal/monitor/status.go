package monitor

import (
	"time"

	"github.com/tmuxmon/tmo/internal/cache"
	"github.com/tmuxmon/tmo/internal/notify"
	"github.com/tmuxmon/tmo/internal/pool"
	"github.com/tmuxmon/tmo/internal/state"
)

// DaemonState is the scheduler's lifecycle state.
type DaemonState string

const (
	DaemonStopped  DaemonState = "stopped"
	DaemonRunning  DaemonState = "running"
	DaemonStopping DaemonState = "stopping"
)

// OpResult is the structured outcome of an operational API call.
type OpResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// CycleReport summarises the most recent completed cycle.
type CycleReport struct {
	CycleID  string         `json:"cycle_id"`
	Strategy string         `json:"strategy"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Checked  int            `json:"checked"`
	Unknown  int            `json:"unknown"`
	ByState  map[string]int `json:"by_state"`
}

// NotificationView is one recently delivered notification.
type NotificationView struct {
	Target     string    `json:"target"`
	Severity   string    `json:"severity"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
	Suppressed int       `json:"suppressed"`
}

// AgentView is one tracked agent together with the cached verdict behind
// its current state.
type AgentView struct {
	Target      string `json:"target"`
	Role        string `json:"role"`
	State       string `json:"state"`
	LastVerdict string `json:"last_verdict,omitempty"`
}

// PmRecordView is one session's PM recovery record.
type PmRecordView struct {
	Session       string    `json:"session"`
	Phase         string    `json:"phase"`
	AttemptCount  int       `json:"attempt_count"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	GraceUntil    time.Time `json:"grace_until,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastOutcome   string    `json:"last_outcome"`
}

// StatusReport is the full status snapshot.
type StatusReport struct {
	Daemon        DaemonState                     `json:"daemon"`
	StartedAt     time.Time                       `json:"started_at,omitempty"`
	LastCycle     *CycleReport                    `json:"last_cycle,omitempty"`
	Agents        []AgentView                     `json:"agents"`
	AgentCounts   map[string]int                  `json:"agent_counts"`
	Pool          pool.Stats                      `json:"pool"`
	Cache         map[string]cache.NamespaceStats `json:"cache"`
	PmRecords     []PmRecordView                  `json:"pm_records"`
	Notifications []NotificationView              `json:"notifications"`
	Queue         notify.Stats                    `json:"queue"`
	MaxParallel   int                             `json:"max_parallel"`
	SkippedCycles uint64                          `json:"skipped_cycles"`
}

func cycleReport(s *cycleSummaryView) *CycleReport {
	if s == nil {
		return nil
	}
	byState := make(map[string]int, len(s.byState))
	for st, n := range s.byState {
		byState[st.String()] = n
	}
	return &CycleReport{
		CycleID:  s.cycleID,
		Strategy: s.strategy,
		Started:  s.started,
		Duration: s.duration,
		Checked:  s.checked,
		Unknown:  s.unknown,
		ByState:  byState,
	}
}

// cycleSummaryView is the scheduler's retained copy of the last summary.
type cycleSummaryView struct {
	cycleID  string
	strategy string
	started  time.Time
	duration time.Duration
	checked  int
	unknown  int
	byState  map[state.AgentState]int
}
