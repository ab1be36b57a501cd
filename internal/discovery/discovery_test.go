package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tmuxmon/tmo/internal/cache"
	"github.com/tmuxmon/tmo/internal/detector"
	"github.com/tmuxmon/tmo/internal/notify"
	"github.com/tmuxmon/tmo/internal/pool"
	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/tmux"
)

// fakeAdapter serves a scripted window list and pane texts. One instance is
// shared by every pool handle so call counters see all traffic.
type fakeAdapter struct {
	mu           sync.Mutex
	targets      []tmux.Target
	panes        map[string]string
	captureErr   error
	listCalls    int
	captureCalls int
}

func (a *fakeAdapter) ListTargets(context.Context) ([]tmux.Target, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	return append([]tmux.Target(nil), a.targets...), nil
}

func (a *fakeAdapter) Capture(_ context.Context, target tmux.Target, _ int) (*tmux.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.captureCalls++
	if a.captureErr != nil {
		return nil, a.captureErr
	}
	text, ok := a.panes[target.String()]
	if !ok {
		return nil, &tmux.AdapterError{Op: "capture", Target: target.String(), Err: errors.New("no such window")}
	}
	return tmux.NewSnapshot(target, text), nil
}

func (a *fakeAdapter) Send(context.Context, tmux.Target, string, bool) error { return nil }
func (a *fakeAdapter) Spawn(context.Context, string, string, string) (tmux.Target, error) {
	return tmux.Target{}, nil
}
func (a *fakeAdapter) Close() error { return nil }

func (a *fakeAdapter) counts() (list, capture int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls, a.captureCalls
}

type harness struct {
	adapter *fakeAdapter
	tracker *state.Tracker
	queue   *notify.Queue
	disc    *Discoverer
}

func newHarness(t *testing.T, adapter *fakeAdapter, trackerOpts ...state.TrackerOption) *harness {
	t.Helper()

	p := pool.New(func() (tmux.Adapter, error) { return adapter, nil },
		pool.Config{Min: 1, Max: 2, AcquireTimeout: time.Second})
	t.Cleanup(p.Close)

	cl, err := NewClassifier([]RoleSignature{
		{Role: state.RoleProjectManager, Signature: detector.Signature{Pattern: "project manager briefing"}},
		{Role: state.RoleDeveloper, Signature: detector.Signature{Pattern: "developer agent"}},
	})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}

	tr := state.NewTracker(trackerOpts...)
	q := notify.NewQueue(notify.Config{})
	return &harness{
		adapter: adapter,
		tracker: tr,
		queue:   q,
		disc:    New(cache.New(cache.Config{}), p, tr, cl, q),
	}
}

func TestDiscoverClassifiesRoles(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		targets: []tmux.Target{
			tmux.NewTarget("dev", 0),
			tmux.NewTarget("dev", 1),
			tmux.NewTarget("dev", 2),
		},
		panes: map[string]string{
			"dev:0": "PROJECT MANAGER BRIEFING\ncoordinating the team",
			"dev:1": "developer agent ready",
			"dev:2": "htop 3.2.1",
		},
	}
	h := newHarness(t, adapter)

	res, err := h.disc.Discover(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(res.Agents) != 3 {
		t.Fatalf("Agents = %d, want 3", len(res.Agents))
	}

	wantRoles := []state.AgentRole{state.RoleProjectManager, state.RoleDeveloper, state.RoleOther}
	for i, a := range res.Agents {
		if a.Target.Window != i {
			t.Errorf("agent %d target = %v, want window %d (stable order)", i, a.Target, i)
		}
		if a.Role != wantRoles[i] {
			t.Errorf("agent %d role = %v, want %v", i, a.Role, wantRoles[i])
		}
		if a.State != state.StateStarting {
			t.Errorf("agent %d state = %v, want starting", i, a.State)
		}
	}

	// The PM's briefing digest is captured on first classification.
	pm, ok := h.tracker.Get(tmux.NewTarget("dev", 0))
	if !ok || !pm.HasBriefingDigest() {
		t.Error("PM briefing digest not recorded")
	}
	dev, _ := h.tracker.Get(tmux.NewTarget("dev", 1))
	if dev.HasBriefingDigest() {
		t.Error("non-PM agent has a briefing digest")
	}
}

func TestRespawnedPmInheritsBriefingDigest(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		targets: []tmux.Target{tmux.NewTarget("dev", 0)},
		panes:   map[string]string{"dev:0": "project manager briefing\nplan the work"},
	}
	h := newHarness(t, adapter, state.WithMissingThreshold(1))

	ctx := context.Background()
	if _, err := h.disc.Discover(ctx, "c1"); err != nil {
		t.Fatalf("Discover() #1 error = %v", err)
	}
	original, ok := h.tracker.Get(tmux.NewTarget("dev", 0))
	if !ok || !original.HasBriefingDigest() {
		t.Fatal("original PM digest not recorded")
	}

	// The PM window dies and a replacement appears with a different pane.
	adapter.mu.Lock()
	adapter.targets = []tmux.Target{tmux.NewTarget("dev", 9)}
	adapter.panes = map[string]string{"dev:9": "project manager briefing\nresuming"}
	adapter.mu.Unlock()
	h.disc.cache.InvalidateNamespace(cache.NamespaceSessionInfo)

	if _, err := h.disc.Discover(ctx, "c2"); err != nil {
		t.Fatalf("Discover() #2 error = %v", err)
	}
	replacement, ok := h.tracker.Get(tmux.NewTarget("dev", 9))
	if !ok {
		t.Fatal("replacement PM not tracked")
	}
	if replacement.BriefingDigest != original.BriefingDigest {
		t.Error("replacement PM did not inherit the session briefing digest")
	}
}

func TestDiscoverDuplicateTargets(t *testing.T) {
	t.Parallel()

	target := tmux.NewTarget("dev", 1)
	adapter := &fakeAdapter{
		targets: []tmux.Target{target, target},
		panes:   map[string]string{"dev:1": "developer agent"},
	}
	h := newHarness(t, adapter)

	res, err := h.disc.Discover(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(res.Duplicates) != 1 || res.Duplicates[0] != target {
		t.Errorf("Duplicates = %v, want [%v]", res.Duplicates, target)
	}
	if len(res.Agents) != 1 {
		t.Errorf("Agents = %d, want 1 (first occurrence kept)", len(res.Agents))
	}

	var got []notify.Notification
	notify.NewDrainer(h.queue, notify.SinkFunc(func(_ context.Context, n notify.Notification) error {
		got = append(got, n)
		return nil
	})).DrainPending(context.Background())
	if len(got) != 1 || got[0].Kind != notify.KindDuplicateTarget {
		t.Errorf("notifications = %+v, want one duplicate_target", got)
	}
}

func TestDiscoverEmptyFleetEvictsMissing(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{} // no server: empty target list
	h := newHarness(t, adapter, state.WithMissingThreshold(1))

	gone := tmux.NewTarget("dev", 3)
	h.tracker.Reconcile(map[tmux.Target]state.AgentRole{gone: state.RoleDeveloper}, "seed")

	res, err := h.disc.Discover(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(res.Agents) != 0 {
		t.Errorf("Agents = %d, want 0", len(res.Agents))
	}
	if len(res.Transitions) != 1 || res.Transitions[0].To != state.StateGone {
		t.Fatalf("Transitions = %+v, want one GONE", res.Transitions)
	}
	if h.queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1 gone notification", h.queue.Len())
	}
}

func TestDiscoverUsesCaches(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		targets: []tmux.Target{tmux.NewTarget("dev", 1)},
		panes:   map[string]string{"dev:1": "developer agent"},
	}
	h := newHarness(t, adapter)

	ctx := context.Background()
	if _, err := h.disc.Discover(ctx, "c1"); err != nil {
		t.Fatalf("Discover() #1 error = %v", err)
	}
	if _, err := h.disc.Discover(ctx, "c2"); err != nil {
		t.Fatalf("Discover() #2 error = %v", err)
	}

	lists, captures := adapter.counts()
	if lists != 1 {
		t.Errorf("list calls = %d, want 1 (session_info cached)", lists)
	}
	if captures != 1 {
		t.Errorf("capture calls = %d, want 1 (pane_content cached)", captures)
	}
}

func TestDiscoverCaptureFailureMeansRoleOther(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		targets:    []tmux.Target{tmux.NewTarget("dev", 1)},
		captureErr: &tmux.AdapterError{Op: "capture", Target: "dev:1", Transient: true, Err: errors.New("pane busy")},
	}
	h := newHarness(t, adapter)

	res, err := h.disc.Discover(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(res.Agents) != 1 || res.Agents[0].Role != state.RoleOther {
		t.Errorf("Agents = %+v, want one RoleOther", res.Agents)
	}
}

func TestClassifierFirstMatchWins(t *testing.T) {
	t.Parallel()

	cl, err := NewClassifier([]RoleSignature{
		{Role: state.RoleQA, Signature: detector.Signature{Pattern: "agent"}},
		{Role: state.RoleDeveloper, Signature: detector.Signature{Pattern: "developer agent"}},
	})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	if got := cl.Classify("developer agent ready"); got != state.RoleQA {
		t.Errorf("Classify() = %v, want first catalog match", got)
	}
	if got := cl.Classify("\x1b[1mAGENT\x1b[0m online"); got != state.RoleQA {
		t.Errorf("Classify() = %v, want match after ANSI strip", got)
	}
	if got := cl.Classify("plain shell"); got != state.RoleOther {
		t.Errorf("Classify() = %v, want RoleOther", got)
	}
}

func TestNewClassifierRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := NewClassifier([]RoleSignature{
		{Role: state.RoleDeveloper, Signature: detector.Signature{Pattern: "[bad", Regex: true}},
	})
	if err == nil {
		t.Fatal("NewClassifier() accepted an invalid regex")
	}
	var sigErr *detector.SignatureError
	if !errors.As(err, &sigErr) {
		t.Errorf("error = %v, want SignatureError", err)
	}
}
