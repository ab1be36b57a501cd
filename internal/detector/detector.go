package detector

import (
	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/tmux"
)

// DefaultStuckThreshold is how many consecutive identical samples promote
// IDLE to STUCK.
const DefaultStuckThreshold = 6

// signatureWindowLines bounds signature matching to the tail of the
// capture. Crash text that has scrolled past it means the agent produced
// newer output since, and is judged on that output instead.
const signatureWindowLines = 30

// Detector classifies snapshots against the configured terminal-error
// catalog. It holds no mutable state.
type Detector struct {
	errorSignatures []Compiled
	stuckThreshold  int
}

// New builds a detector. An empty catalog is valid: crash detection is then
// limited to what hash comparison and idleness can prove.
func New(errorSignatures []Compiled, stuckThreshold int) *Detector {
	if stuckThreshold <= 0 {
		stuckThreshold = DefaultStuckThreshold
	}
	return &Detector{errorSignatures: errorSignatures, stuckThreshold: stuckThreshold}
}

// Classify decides the verdict for one snapshot. prior is the tracker's
// current record for the target (zero value when unknown); inGrace reports
// whether the target sits inside an active PM spawn grace window.
//
// Rules, first match wins:
//  1. in grace and no terminal-error signature: STARTING
//  2. terminal-error signature in the trailing window: CRASHED, reason =
//     signature id
//  3. hash unchanged, prior state IDLE, idle samples + 1 at the stuck
//     threshold: STUCK
//  4. hash unchanged: IDLE
//  5. hash changed: ACTIVE
func (d *Detector) Classify(snap *tmux.Snapshot, prior state.Agent, inGrace bool) state.Verdict {
	text := StripANSI(snap.Text)
	sigID, matched := MatchFirst(LastNLines(text, signatureWindowLines), d.errorSignatures)

	v := state.Verdict{
		SnapshotHash: snap.Hash,
		CapturedAt:   snap.CapturedAt,
	}

	switch {
	case inGrace && !matched:
		v.State = state.StateStarting
		v.Reason = "grace window"
	case matched:
		v.State = state.StateCrashed
		v.Reason = sigID
	case snap.Hash == prior.LastSnapshotHash && prior.LastSnapshotHash != 0:
		if prior.State == state.StateIdle && prior.ConsecutiveIdleSamples+1 >= d.stuckThreshold {
			v.State = state.StateStuck
			v.Reason = "idle samples reached stuck threshold"
		} else {
			v.State = state.StateIdle
			v.Reason = "pane unchanged"
		}
	default:
		v.State = state.StateActive
		v.Reason = "pane changed"
	}
	return v
}

// Unknown builds the verdict recorded when a check could not capture the
// pane. The tracker treats it as "no transition".
func Unknown(reason string) state.Verdict {
	return state.Verdict{Unknown: true, Reason: reason}
}
