package state

import (
	"container/ring"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tmuxmon/tmo/internal/tmux"
)

var trackerLogger = slog.Default().With("component", "state")

// DefaultRingSize is the diagnostics ring capacity.
const DefaultRingSize = 1024

// DefaultMissingThreshold is how many consecutive missing samples evict an
// agent to GONE.
const DefaultMissingThreshold = 3

// DefaultConfirmSamples is how many consecutive ACTIVE verdicts confirm a
// RECOVERING agent back to ACTIVE.
const DefaultConfirmSamples = 2

// Tracker owns every Agent and PmRecoveryRecord. Verdicts are applied under
// a per-target mutex so the verdict sequence for one target is totally
// ordered; agent field mutation and the read paths that copy agents both go
// through the coarse t.mu. The PM-records map has its own coarse lock.
type Tracker struct {
	mu      sync.RWMutex
	agents  map[tmux.Target]*Agent
	locks   map[tmux.Target]*sync.Mutex
	ringMu  sync.Mutex
	ring    *ring.Ring
	ringLen int

	pmMu      sync.RWMutex
	pmRecords map[string]*PmRecoveryRecord

	missingThreshold int
	confirmSamples   int
	now              func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithRingSize sets the diagnostics ring capacity.
func WithRingSize(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.ring = ring.New(n)
			t.ringLen = n
		}
	}
}

// WithMissingThreshold sets how many consecutive missing samples evict an
// agent.
func WithMissingThreshold(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.missingThreshold = n
		}
	}
}

// WithConfirmSamples sets the ACTIVE streak needed to confirm a recovery.
func WithConfirmSamples(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.confirmSamples = n
		}
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		agents:           make(map[tmux.Target]*Agent),
		locks:            make(map[tmux.Target]*sync.Mutex),
		ring:             ring.New(DefaultRingSize),
		ringLen:          DefaultRingSize,
		pmRecords:        make(map[string]*PmRecoveryRecord),
		missingThreshold: DefaultMissingThreshold,
		confirmSamples:   DefaultConfirmSamples,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// targetLock returns the per-target mutex, creating it on first use.
func (t *Tracker) targetLock(target tmux.Target) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[target]
	if !ok {
		l = &sync.Mutex{}
		t.locks[target] = l
	}
	return l
}

// Get returns a copy of the agent record for target.
func (t *Tracker) Get(target tmux.Target) (Agent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.agents[target]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Agents returns copies of all agent records, sorted by (session, window).
func (t *Tracker) Agents() []Agent {
	t.mu.RLock()
	out := make([]Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, *a)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Target.Less(out[j].Target) })
	return out
}

// CountsByState tallies agents per state for status reporting.
func (t *Tracker) CountsByState() map[AgentState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[AgentState]int)
	for _, a := range t.agents {
		counts[a.State]++
	}
	return counts
}

// Reconcile folds one discovery pass into the tracker: targets seen this
// cycle are inserted as STARTING if new (with their classified role) and
// have their missing counters cleared; known targets absent from the pass
// advance their missing counters and evict to GONE at the threshold.
func (t *Tracker) Reconcile(seen map[tmux.Target]AgentRole, cycleID string) []TransitionRecord {
	now := t.now()
	var recs []TransitionRecord

	t.mu.Lock()
	for target, role := range seen {
		a, ok := t.agents[target]
		if !ok {
			t.agents[target] = &Agent{
				Target:       target,
				Role:         role,
				State:        StateStarting,
				DiscoveredAt: now,
			}
			continue
		}
		a.ConsecutiveMissingSamples = 0
		// Roles may change only when discovery re-runs; this is that point.
		if a.Role != role {
			a.Role = role
		}
	}

	for target, a := range t.agents {
		if _, ok := seen[target]; ok {
			continue
		}
		a.ConsecutiveMissingSamples++
		if a.ConsecutiveMissingSamples >= t.missingThreshold {
			recs = append(recs, t.evictLocked(a, "missing threshold reached", cycleID, now))
		}
	}
	t.mu.Unlock()

	t.appendRecords(recs)
	return recs
}

// MarkGone evicts a target immediately, bypassing the missing threshold.
// Used when the adapter reports the target permanently absent.
func (t *Tracker) MarkGone(target tmux.Target, reason, cycleID string) (TransitionRecord, bool) {
	t.mu.Lock()
	a, ok := t.agents[target]
	if !ok {
		t.mu.Unlock()
		return TransitionRecord{}, false
	}
	rec := t.evictLocked(a, reason, cycleID, t.now())
	t.mu.Unlock()

	t.appendRecords([]TransitionRecord{rec})
	return rec, true
}

// evictLocked removes the agent and produces its GONE record. Caller holds
// t.mu.
func (t *Tracker) evictLocked(a *Agent, reason, cycleID string, now time.Time) TransitionRecord {
	rec := TransitionRecord{
		Target:  a.Target,
		Role:    a.Role,
		From:    a.State,
		To:      StateGone,
		Reason:  reason,
		At:      now,
		CycleID: cycleID,
	}
	delete(t.agents, a.Target)
	delete(t.locks, a.Target)
	return rec
}

// Apply folds one verdict into the agent's state under the per-target lock
// and returns the transition records it produced (at most one). Unknown
// verdicts never mutate the tracker.
func (t *Tracker) Apply(target tmux.Target, v Verdict, cycleID string) []TransitionRecord {
	if v.Unknown {
		return nil
	}

	lock := t.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	// The write lock covers the mutation, not just the lookup: Agents and
	// Get copy records under RLock and may run concurrently with Apply.
	t.mu.Lock()
	a, ok := t.agents[target]
	if !ok {
		t.mu.Unlock()
		return nil
	}

	from := a.State
	to := t.nextState(a, v)
	t.applyCounters(a, v)
	a.LastSnapshotHash = v.SnapshotHash

	if to == from {
		t.mu.Unlock()
		return nil
	}
	a.State = to
	if to == StateRecovering || from == StateRecovering {
		a.confirmStreak = 0
	}
	role := a.Role
	t.mu.Unlock()

	rec := TransitionRecord{
		Target:  target,
		Role:    role,
		From:    from,
		To:      to,
		Reason:  v.Reason,
		At:      v.CapturedAt,
		CycleID: cycleID,
	}
	t.appendRecords([]TransitionRecord{rec})
	trackerLogger.Debug("transition applied",
		"target", target.String(), "from", from.String(), "to", to.String(), "reason", v.Reason)
	return []TransitionRecord{rec}
}

// nextState implements the transition table. The verdict state is one of
// STARTING, ACTIVE, IDLE, STUCK, CRASHED.
func (t *Tracker) nextState(a *Agent, v Verdict) AgentState {
	switch a.State {
	case StateStarting:
		switch v.State {
		case StateActive:
			return StateActive
		case StateCrashed:
			return StateCrashed
		default:
			return StateStarting
		}
	case StateActive, StateIdle:
		switch v.State {
		case StateActive:
			return StateActive
		case StateIdle:
			return StateIdle
		case StateStuck:
			return StateStuck
		case StateCrashed:
			return StateCrashed
		default:
			return a.State
		}
	case StateStuck:
		switch v.State {
		case StateActive:
			return StateActive
		case StateCrashed:
			return StateCrashed
		default:
			return StateStuck
		}
	case StateCrashed:
		// Only a PM leaves CRASHED through recovery; other roles stay
		// crashed until the window disappears.
		if v.State == StateActive && a.Role == RoleProjectManager {
			return StateRecovering
		}
		return StateCrashed
	case StateRecovering:
		switch v.State {
		case StateActive:
			a.confirmStreak++
			if a.confirmStreak >= t.confirmSamples {
				return StateActive
			}
			return StateRecovering
		case StateCrashed:
			return StateCrashed
		default:
			a.confirmStreak = 0
			return StateRecovering
		}
	default:
		return a.State
	}
}

// applyCounters applies the counter mutations the verdict carries.
func (t *Tracker) applyCounters(a *Agent, v Verdict) {
	switch v.State {
	case StateActive:
		a.ConsecutiveIdleSamples = 0
		a.LastSeenActiveAt = v.CapturedAt
	case StateIdle, StateStuck:
		a.ConsecutiveIdleSamples++
	}
}

// SetBriefingDigest records the initial briefing digest for a target.
func (t *Tracker) SetBriefingDigest(target tmux.Target, digest [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.agents[target]; ok && !a.HasBriefingDigest() {
		a.BriefingDigest = digest
	}
}

// appendRecords pushes records onto the diagnostics ring.
func (t *Tracker) appendRecords(recs []TransitionRecord) {
	if len(recs) == 0 {
		return
	}
	t.ringMu.Lock()
	defer t.ringMu.Unlock()
	for _, rec := range recs {
		t.ring.Value = rec
		t.ring = t.ring.Next()
	}
}

// Transitions returns up to n of the most recent transition records, oldest
// first.
func (t *Tracker) Transitions(n int) []TransitionRecord {
	if n <= 0 || n > t.ringLen {
		n = t.ringLen
	}
	t.ringMu.Lock()
	defer t.ringMu.Unlock()

	var out []TransitionRecord
	t.ring.Do(func(v any) {
		if rec, ok := v.(TransitionRecord); ok {
			out = append(out, rec)
		}
	})
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// CycleTransitions returns the records produced during one cycle.
func (t *Tracker) CycleTransitions(cycleID string) []TransitionRecord {
	var out []TransitionRecord
	for _, rec := range t.Transitions(0) {
		if rec.CycleID == cycleID {
			out = append(out, rec)
		}
	}
	return out
}

// PmRecord returns a copy of the session's PM recovery record.
func (t *Tracker) PmRecord(session string) (PmRecoveryRecord, bool) {
	t.pmMu.RLock()
	defer t.pmMu.RUnlock()
	r, ok := t.pmRecords[session]
	if !ok {
		return PmRecoveryRecord{}, false
	}
	return *r, true
}

// PmRecords returns copies of every PM recovery record, sorted by session.
func (t *Tracker) PmRecords() []PmRecoveryRecord {
	t.pmMu.RLock()
	out := make([]PmRecoveryRecord, 0, len(t.pmRecords))
	for _, r := range t.pmRecords {
		out = append(out, *r)
	}
	t.pmMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

// UpdatePmRecord mutates the session's PM record under the coarse lock,
// creating it when absent.
func (t *Tracker) UpdatePmRecord(session string, fn func(*PmRecoveryRecord)) PmRecoveryRecord {
	t.pmMu.Lock()
	defer t.pmMu.Unlock()
	r, ok := t.pmRecords[session]
	if !ok {
		r = &PmRecoveryRecord{Session: session}
		t.pmRecords[session] = r
	}
	fn(r)
	return *r
}

// ResetPmRecord zeroes the session's record after a confirmed recovery.
func (t *Tracker) ResetPmRecord(session string) {
	t.pmMu.Lock()
	defer t.pmMu.Unlock()
	if _, ok := t.pmRecords[session]; ok {
		t.pmRecords[session] = &PmRecoveryRecord{Session: session}
	}
}

// InGrace reports whether the session's PM is inside its spawn grace
// window.
func (t *Tracker) InGrace(session string) bool {
	t.pmMu.RLock()
	defer t.pmMu.RUnlock()
	r, ok := t.pmRecords[session]
	return ok && r.InGrace(t.now())
}

// restore replaces the tracker's contents from a loaded snapshot. The
// diagnostics ring is left empty; it is in-memory-only.
func (t *Tracker) restore(agents []Agent, pmRecords []PmRecoveryRecord) {
	t.mu.Lock()
	t.agents = make(map[tmux.Target]*Agent, len(agents))
	t.locks = make(map[tmux.Target]*sync.Mutex, len(agents))
	for i := range agents {
		a := agents[i]
		t.agents[a.Target] = &a
	}
	t.mu.Unlock()

	t.pmMu.Lock()
	t.pmRecords = make(map[string]*PmRecoveryRecord, len(pmRecords))
	for i := range pmRecords {
		r := pmRecords[i]
		t.pmRecords[r.Session] = &r
	}
	t.pmMu.Unlock()
}
