// Package state owns the authoritative per-agent state, the transition
// table, the diagnostics ring, and the per-session PM recovery records.
// It is the only persisting component.
package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/tmuxmon/tmo/internal/tmux"
)

// AgentRole classifies what kind of agent occupies a window. Roles are
// assigned by discovery from pane content and form a closed set.
type AgentRole uint8

const (
	RoleProjectManager AgentRole = iota
	RoleDeveloper
	RoleQA
	RoleDevOps
	RoleReviewer
	RoleResearcher
	RoleWriter
	RoleOther
)

var roleNames = map[AgentRole]string{
	RoleProjectManager: "project_manager",
	RoleDeveloper:      "developer",
	RoleQA:             "qa",
	RoleDevOps:         "devops",
	RoleReviewer:       "reviewer",
	RoleResearcher:     "researcher",
	RoleWriter:         "writer",
	RoleOther:          "other",
}

func (r AgentRole) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole maps a configuration role name to its enum value.
func ParseRole(s string) (AgentRole, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for role, name := range roleNames {
		if name == needle {
			return role, nil
		}
	}
	return RoleOther, fmt.Errorf("unknown agent role %q", s)
}

// AgentState is the tracked lifecycle state of one agent.
type AgentState uint8

const (
	StateStarting AgentState = iota
	StateActive
	StateIdle
	StateStuck
	StateCrashed
	StateRecovering
	StateGone
)

var stateNames = map[AgentState]string{
	StateStarting:   "starting",
	StateActive:     "active",
	StateIdle:       "idle",
	StateStuck:      "stuck",
	StateCrashed:    "crashed",
	StateRecovering: "recovering",
	StateGone:       "gone",
}

func (s AgentState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// AllStates lists every agent state in declaration order, for status counts.
func AllStates() []AgentState {
	return []AgentState{
		StateStarting, StateActive, StateIdle, StateStuck,
		StateCrashed, StateRecovering, StateGone,
	}
}

// Verdict is the outcome of classifying one pane snapshot. An Unknown
// verdict records a transient failure and never mutates the tracker.
type Verdict struct {
	State        AgentState
	Unknown      bool
	Reason       string
	SnapshotHash uint64
	CapturedAt   time.Time
}

// Agent is the tracker-owned record for one discovered window.
type Agent struct {
	Target tmux.Target
	Role   AgentRole
	State  AgentState

	DiscoveredAt     time.Time
	LastSeenActiveAt time.Time

	ConsecutiveIdleSamples    int
	ConsecutiveMissingSamples int

	// BriefingDigest is the MD5 of the initial on-screen briefing, used to
	// detect re-initialisation of a window. Zero when never captured.
	BriefingDigest [16]byte

	// LastSnapshotHash is the hash of the most recently classified
	// snapshot. In-memory only; the classifier compares against it.
	LastSnapshotHash uint64

	// confirmStreak counts consecutive ACTIVE verdicts while RECOVERING.
	confirmStreak int
}

// HasBriefingDigest reports whether a briefing digest has been recorded.
func (a *Agent) HasBriefingDigest() bool {
	return a.BriefingDigest != [16]byte{}
}

// TransitionRecord is an immutable record of one applied state transition.
// PmRecovery and the notification layer consume these; neither calls back
// into the tracker.
type TransitionRecord struct {
	Target  tmux.Target
	Role    AgentRole
	From    AgentState
	To      AgentState
	Reason  string
	At      time.Time
	CycleID string
}

// RecoveryOutcome records how the last PM recovery attempt ended.
type RecoveryOutcome uint8

const (
	OutcomeNone RecoveryOutcome = iota
	OutcomeSpawned
	OutcomeConfirmed
	OutcomeFailed
	OutcomeExhausted
)

var outcomeNames = map[RecoveryOutcome]string{
	OutcomeNone:      "none",
	OutcomeSpawned:   "spawned",
	OutcomeConfirmed: "confirmed",
	OutcomeFailed:    "failed",
	OutcomeExhausted: "exhausted",
}

func (o RecoveryOutcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// PmRecoveryRecord tracks PM recovery per session. Reset to zero once a
// recovery is confirmed by consecutive ACTIVE verdicts.
type PmRecoveryRecord struct {
	Session       string
	AttemptCount  int
	LastAttemptAt time.Time
	GraceUntil    time.Time
	CooldownUntil time.Time
	LastOutcome   RecoveryOutcome
}

// InGrace reports whether the session's PM is inside its spawn grace window.
func (r *PmRecoveryRecord) InGrace(now time.Time) bool {
	return now.Before(r.GraceUntil)
}
