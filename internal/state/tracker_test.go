package state

import (
	"sync"
	"testing"
	"time"

	"github.com/tmuxmon/tmo/internal/tmux"
)

var testClock = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func newTestTracker(opts ...TrackerOption) *Tracker {
	base := []TrackerOption{WithClock(func() time.Time { return testClock })}
	return NewTracker(append(base, opts...)...)
}

func seedAgent(t *testing.T, tr *Tracker, target tmux.Target, role AgentRole) {
	t.Helper()
	tr.Reconcile(map[tmux.Target]AgentRole{target: role}, "seed")
}

func verdict(st AgentState, hash uint64) Verdict {
	return Verdict{State: st, Reason: "test", SnapshotHash: hash, CapturedAt: testClock}
}

func TestReconcileInsertsStarting(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	target := tmux.NewTarget("dev", 1)
	recs := tr.Reconcile(map[tmux.Target]AgentRole{target: RoleDeveloper}, "c1")
	if len(recs) != 0 {
		t.Fatalf("Reconcile() produced %d records, want 0", len(recs))
	}

	a, ok := tr.Get(target)
	if !ok {
		t.Fatal("agent not inserted")
	}
	if a.State != StateStarting || a.Role != RoleDeveloper {
		t.Errorf("agent = %+v, want starting developer", a)
	}
	if !a.DiscoveredAt.Equal(testClock) {
		t.Errorf("DiscoveredAt = %v, want %v", a.DiscoveredAt, testClock)
	}
}

func TestReconcileMissingThresholdEvicts(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(WithMissingThreshold(3))
	target := tmux.NewTarget("dev", 1)
	seedAgent(t, tr, target, RoleDeveloper)

	empty := map[tmux.Target]AgentRole{}
	for i := 0; i < 2; i++ {
		if recs := tr.Reconcile(empty, "c"); len(recs) != 0 {
			t.Fatalf("pass %d: evicted early: %+v", i, recs)
		}
	}
	recs := tr.Reconcile(empty, "c3")
	if len(recs) != 1 || recs[0].To != StateGone {
		t.Fatalf("third missing pass: records = %+v, want one GONE", recs)
	}
	if _, ok := tr.Get(target); ok {
		t.Error("evicted agent still present")
	}
}

func TestReconcileSeenClearsMissingCounter(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(WithMissingThreshold(3))
	target := tmux.NewTarget("dev", 1)
	seedAgent(t, tr, target, RoleDeveloper)

	tr.Reconcile(map[tmux.Target]AgentRole{}, "c1")
	tr.Reconcile(map[tmux.Target]AgentRole{}, "c2")
	tr.Reconcile(map[tmux.Target]AgentRole{target: RoleDeveloper}, "c3")

	// Two more absences must not evict: the counter restarted.
	tr.Reconcile(map[tmux.Target]AgentRole{}, "c4")
	recs := tr.Reconcile(map[tmux.Target]AgentRole{}, "c5")
	if len(recs) != 0 {
		t.Fatalf("evicted after counter reset: %+v", recs)
	}
}

func TestApplyTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		role    AgentRole
		from    AgentState
		verdict AgentState
		want    AgentState
	}{
		{"starting to active", RoleDeveloper, StateStarting, StateActive, StateActive},
		{"starting stays on idle verdict", RoleDeveloper, StateStarting, StateIdle, StateStarting},
		{"starting to crashed", RoleDeveloper, StateStarting, StateCrashed, StateCrashed},
		{"active to idle", RoleDeveloper, StateActive, StateIdle, StateIdle},
		{"idle to stuck", RoleDeveloper, StateIdle, StateStuck, StateStuck},
		{"stuck recovers to active", RoleDeveloper, StateStuck, StateActive, StateActive},
		{"stuck ignores idle verdict", RoleDeveloper, StateStuck, StateIdle, StateStuck},
		{"crashed pm goes recovering on active", RoleProjectManager, StateCrashed, StateActive, StateRecovering},
		{"crashed non-pm stays crashed", RoleDeveloper, StateCrashed, StateActive, StateCrashed},
		{"recovering back to crashed", RoleProjectManager, StateRecovering, StateCrashed, StateCrashed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker()
			target := tmux.NewTarget("dev", 1)
			seedAgent(t, tr, target, tt.role)
			forceState(t, tr, target, tt.from)

			tr.Apply(target, verdict(tt.verdict, 42), "c1")
			a, _ := tr.Get(target)
			if a.State != tt.want {
				t.Errorf("state = %v, want %v", a.State, tt.want)
			}
		})
	}
}

// forceState walks the agent to the wanted state through legal verdicts.
func forceState(t *testing.T, tr *Tracker, target tmux.Target, want AgentState) {
	t.Helper()
	switch want {
	case StateStarting:
	case StateActive:
		tr.Apply(target, verdict(StateActive, 1), "force")
	case StateIdle:
		tr.Apply(target, verdict(StateActive, 1), "force")
		tr.Apply(target, verdict(StateIdle, 1), "force")
	case StateStuck:
		tr.Apply(target, verdict(StateActive, 1), "force")
		tr.Apply(target, verdict(StateIdle, 1), "force")
		tr.Apply(target, verdict(StateStuck, 1), "force")
	case StateCrashed:
		tr.Apply(target, verdict(StateCrashed, 1), "force")
	case StateRecovering:
		tr.Apply(target, verdict(StateCrashed, 1), "force")
		tr.Apply(target, verdict(StateActive, 2), "force")
	default:
		t.Fatalf("cannot force state %v", want)
	}
	a, ok := tr.Get(target)
	if !ok || a.State != want {
		t.Fatalf("forceState: got %v, want %v", a.State, want)
	}
}

func TestApplyUnknownVerdictIsNoop(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	target := tmux.NewTarget("dev", 1)
	seedAgent(t, tr, target, RoleDeveloper)
	tr.Apply(target, verdict(StateActive, 7), "c1")

	before, _ := tr.Get(target)
	recs := tr.Apply(target, Verdict{Unknown: true, Reason: "timeout"}, "c2")
	if recs != nil {
		t.Fatalf("unknown verdict produced records: %+v", recs)
	}
	after, _ := tr.Get(target)
	if after != before {
		t.Errorf("unknown verdict mutated agent: %+v -> %+v", before, after)
	}
}

func TestRecoveringConfirmStreak(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(WithConfirmSamples(2))
	target := tmux.NewTarget("dev", 0)
	seedAgent(t, tr, target, RoleProjectManager)
	forceState(t, tr, target, StateRecovering)

	// First ACTIVE while recovering only builds the streak.
	tr.Apply(target, verdict(StateActive, 3), "c1")
	if a, _ := tr.Get(target); a.State != StateRecovering {
		t.Fatalf("after one active: state = %v, want recovering", a.State)
	}
	// A non-active verdict resets the streak.
	tr.Apply(target, verdict(StateIdle, 3), "c2")
	tr.Apply(target, verdict(StateActive, 4), "c3")
	if a, _ := tr.Get(target); a.State != StateRecovering {
		t.Fatalf("streak not reset by idle verdict")
	}
	// Two consecutive ACTIVE verdicts confirm.
	recs := tr.Apply(target, verdict(StateActive, 5), "c4")
	if a, _ := tr.Get(target); a.State != StateActive {
		t.Fatalf("after confirm streak: state = %v, want active", a.State)
	}
	if len(recs) != 1 || recs[0].From != StateRecovering || recs[0].To != StateActive {
		t.Errorf("confirm records = %+v", recs)
	}
}

func TestApplyCounters(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	target := tmux.NewTarget("dev", 1)
	seedAgent(t, tr, target, RoleDeveloper)

	tr.Apply(target, verdict(StateActive, 1), "c1")
	tr.Apply(target, verdict(StateIdle, 1), "c2")
	tr.Apply(target, verdict(StateIdle, 1), "c3")
	a, _ := tr.Get(target)
	if a.ConsecutiveIdleSamples != 2 {
		t.Errorf("idle samples = %d, want 2", a.ConsecutiveIdleSamples)
	}

	tr.Apply(target, verdict(StateActive, 2), "c4")
	a, _ = tr.Get(target)
	if a.ConsecutiveIdleSamples != 0 {
		t.Errorf("idle samples after active = %d, want 0", a.ConsecutiveIdleSamples)
	}
	if !a.LastSeenActiveAt.Equal(testClock) {
		t.Errorf("LastSeenActiveAt = %v, want clock", a.LastSeenActiveAt)
	}
}

func TestMarkGone(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	target := tmux.NewTarget("dev", 1)
	seedAgent(t, tr, target, RoleDeveloper)

	rec, ok := tr.MarkGone(target, "window killed", "c1")
	if !ok || rec.To != StateGone {
		t.Fatalf("MarkGone() = %+v, %v", rec, ok)
	}
	if _, ok := tr.Get(target); ok {
		t.Error("agent still present after MarkGone")
	}
	if _, ok := tr.MarkGone(target, "again", "c2"); ok {
		t.Error("second MarkGone reported success")
	}
}

func TestCycleTransitions(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	t1 := tmux.NewTarget("dev", 1)
	t2 := tmux.NewTarget("dev", 2)
	tr.Reconcile(map[tmux.Target]AgentRole{t1: RoleDeveloper, t2: RoleQA}, "seed")

	tr.Apply(t1, verdict(StateActive, 1), "cycle-a")
	tr.Apply(t2, verdict(StateActive, 1), "cycle-b")

	recs := tr.CycleTransitions("cycle-a")
	if len(recs) != 1 || recs[0].Target != t1 {
		t.Errorf("CycleTransitions(cycle-a) = %+v", recs)
	}
}

func TestPerTargetVerdictOrdering(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	target := tmux.NewTarget("dev", 1)
	seedAgent(t, tr, target, RoleDeveloper)

	// Concurrent applies must serialise; the final state has to be a legal
	// outcome of some total order, never a torn record.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(hash uint64) {
			defer wg.Done()
			st := StateActive
			if hash%2 == 0 {
				st = StateIdle
			}
			tr.Apply(target, verdict(st, hash), "c")
		}(uint64(i + 1))
	}
	wg.Wait()

	a, ok := tr.Get(target)
	if !ok {
		t.Fatal("agent vanished")
	}
	if a.State != StateActive && a.State != StateIdle {
		t.Errorf("state = %v, want active or idle", a.State)
	}
}

func TestReadersRaceWithApply(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	target := tmux.NewTarget("dev", 1)
	seedAgent(t, tr, target, RoleDeveloper)

	// Readers copy agent records while applies mutate them; under the race
	// detector this fails if Apply writes outside the tracker lock.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = tr.Agents()
				_, _ = tr.Get(target)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = tr.CountsByState()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		st := StateActive
		if i%2 == 0 {
			st = StateIdle
		}
		tr.Apply(target, verdict(st, uint64(i+1)), "c")
	}
	close(stop)
	wg.Wait()

	if a, ok := tr.Get(target); !ok || (a.State != StateActive && a.State != StateIdle) {
		t.Errorf("final state = %v (found %t), want active or idle", a.State, ok)
	}
}

func TestPmRecordLifecycle(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	tr.UpdatePmRecord("dev", func(r *PmRecoveryRecord) {
		r.AttemptCount = 2
		r.GraceUntil = testClock.Add(time.Minute)
	})

	if !tr.InGrace("dev") {
		t.Error("InGrace() = false inside grace window")
	}
	if tr.InGrace("other") {
		t.Error("InGrace() = true for unknown session")
	}

	r, ok := tr.PmRecord("dev")
	if !ok || r.AttemptCount != 2 {
		t.Fatalf("PmRecord() = %+v, %v", r, ok)
	}

	tr.ResetPmRecord("dev")
	r, _ = tr.PmRecord("dev")
	if r.AttemptCount != 0 || !r.GraceUntil.IsZero() {
		t.Errorf("record after reset = %+v", r)
	}
}

func TestSetBriefingDigestOnlyOnce(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	target := tmux.NewTarget("dev", 0)
	seedAgent(t, tr, target, RoleProjectManager)

	first := [16]byte{1, 2, 3}
	second := [16]byte{9, 9, 9}
	tr.SetBriefingDigest(target, first)
	tr.SetBriefingDigest(target, second)

	a, _ := tr.Get(target)
	if a.BriefingDigest != first {
		t.Errorf("digest = %v, want first capture kept", a.BriefingDigest)
	}
}
