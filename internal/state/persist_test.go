package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tmuxmon/tmo/internal/tmux"
)

func populatedTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := newTestTracker()
	t1 := tmux.NewTarget("dev", 0)
	t2 := tmux.NewTarget("dev", 1)
	tr.Reconcile(map[tmux.Target]AgentRole{t1: RoleProjectManager, t2: RoleDeveloper}, "seed")
	tr.Apply(t2, verdict(StateActive, 7), "seed")
	tr.Apply(t2, verdict(StateIdle, 7), "seed")
	tr.SetBriefingDigest(t1, [16]byte{0xde, 0xad})
	tr.UpdatePmRecord("dev", func(r *PmRecoveryRecord) {
		r.AttemptCount = 2
		r.LastAttemptAt = testClock.Add(-time.Minute)
		r.CooldownUntil = testClock.Add(30 * time.Second)
		r.LastOutcome = OutcomeSpawned
	})
	return tr
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "tmo.snapshot")
	src := populatedTracker(t)
	if err := src.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	dst := newTestTracker()
	if err := dst.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := src.Agents()
	got := dst.Agents()
	if len(got) != len(want) {
		t.Fatalf("loaded %d agents, want %d", len(got), len(want))
	}
	for i := range want {
		w, g := want[i], got[i]
		if g.Target != w.Target || g.Role != w.Role || g.State != w.State {
			t.Errorf("agent %d identity = %v/%v/%v, want %v/%v/%v",
				i, g.Target, g.Role, g.State, w.Target, w.Role, w.State)
		}
		if !g.DiscoveredAt.Equal(w.DiscoveredAt) || !g.LastSeenActiveAt.Equal(w.LastSeenActiveAt) {
			t.Errorf("agent %d timestamps changed across round trip", i)
		}
		if g.ConsecutiveIdleSamples != w.ConsecutiveIdleSamples {
			t.Errorf("agent %d idle samples = %d, want %d", i, g.ConsecutiveIdleSamples, w.ConsecutiveIdleSamples)
		}
		if g.BriefingDigest != w.BriefingDigest {
			t.Errorf("agent %d briefing digest changed across round trip", i)
		}
		// The snapshot hash is in-memory only; a restart re-captures.
		if g.LastSnapshotHash != 0 {
			t.Errorf("agent %d LastSnapshotHash = %d after load, want 0", i, g.LastSnapshotHash)
		}
	}

	rec, ok := dst.PmRecord("dev")
	if !ok {
		t.Fatal("pm record missing after load")
	}
	if rec.AttemptCount != 2 || rec.LastOutcome != OutcomeSpawned {
		t.Errorf("pm record = %+v", rec)
	}
	if !rec.CooldownUntil.Equal(testClock.Add(30 * time.Second)) {
		t.Errorf("CooldownUntil = %v", rec.CooldownUntil)
	}
}

func TestLoadMissingFileLeavesTrackerEmpty(t *testing.T) {
	t.Parallel()

	tr := newTestTracker()
	if err := tr.Load(filepath.Join(t.TempDir(), "absent.snapshot")); err != nil {
		t.Fatalf("Load() error = %v, want nil for missing file", err)
	}
	if got := len(tr.Agents()); got != 0 {
		t.Errorf("Agents() = %d entries, want 0", got)
	}
}

func TestLoadCorruptRenamesAside(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tmo.snapshot")
	if err := os.WriteFile(path, []byte("not a snapshot"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := newTestTracker()
	err := tr.Load(path)
	if !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("Load() error = %v, want ErrCorruptSnapshot", err)
	}
	if len(tr.Agents()) != 0 {
		t.Error("tracker not empty after corrupt load")
	}

	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("corrupt file still at original path")
	}
	aside, globErr := filepath.Glob(path + ".corrupt-*")
	if globErr != nil || len(aside) != 1 {
		t.Errorf("aside files = %v, err = %v; want exactly one", aside, globErr)
	}
}

func TestLoadDetectsBitFlip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tmo.snapshot")
	if err := populatedTracker(t).Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := newTestTracker().Load(path); !errors.Is(err, ErrCorruptSnapshot) {
		t.Errorf("Load() error = %v, want ErrCorruptSnapshot", err)
	}
}

func TestLoadDetectsTruncation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tmo.snapshot")
	if err := populatedTracker(t).Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-6], 0o644); err != nil {
		t.Fatal(err)
	}

	if err := newTestTracker().Load(path); !errors.Is(err, ErrCorruptSnapshot) {
		t.Errorf("Load() error = %v, want ErrCorruptSnapshot", err)
	}
}

func TestSnapshotCreatedAt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tmo.snapshot")
	if err := populatedTracker(t).Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	created, err := SnapshotCreatedAt(path)
	if err != nil {
		t.Fatalf("SnapshotCreatedAt() error = %v", err)
	}
	if !created.Equal(testClock) {
		t.Errorf("created = %v, want %v", created, testClock)
	}

	if _, err := SnapshotCreatedAt(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("SnapshotCreatedAt() on missing file returned nil error")
	}
}
