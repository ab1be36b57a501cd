// Package discovery enumerates tmux windows, classifies each as an agent
// of some role from its pane content, and reconciles the result against the
// state tracker.
package discovery

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"

	"github.com/tmuxmon/tmo/internal/cache"
	"github.com/tmuxmon/tmo/internal/detector"
	"github.com/tmuxmon/tmo/internal/notify"
	"github.com/tmuxmon/tmo/internal/pool"
	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/tmux"
)

var discoveryLogger = slog.Default().With("component", "discovery")

// classifyCaptureLines is how much pane text role classification reads.
// Shallower than health captures; role banners sit near the top of the
// visible buffer.
const classifyCaptureLines = 10

// RoleSignature binds an ordered match rule to a role.
type RoleSignature struct {
	Role      state.AgentRole
	Signature detector.Signature
}

// Classifier assigns roles by scanning pane text against the ordered
// signature catalog; the first match wins, no match means RoleOther.
type Classifier struct {
	compiled []detector.Compiled
	roles    map[string]state.AgentRole
}

// NewClassifier compiles the role catalog. Signature ids are synthesised
// from the role name and position so error reports stay addressable.
func NewClassifier(sigs []RoleSignature) (*Classifier, error) {
	c := &Classifier{roles: make(map[string]state.AgentRole, len(sigs))}
	raw := make([]detector.Signature, 0, len(sigs))
	for i, rs := range sigs {
		sig := rs.Signature
		if sig.ID == "" {
			sig.ID = fmt.Sprintf("%s-%d", rs.Role, i)
		}
		raw = append(raw, sig)
		c.roles[sig.ID] = rs.Role
	}
	compiled, err := detector.Compile(raw)
	if err != nil {
		return nil, err
	}
	c.compiled = compiled
	return c, nil
}

// Classify returns the role the pane text matches.
func (c *Classifier) Classify(text string) state.AgentRole {
	id, ok := detector.MatchFirst(detector.StripANSI(text), c.compiled)
	if !ok {
		return state.RoleOther
	}
	return c.roles[id]
}

// Result is one discovery pass.
type Result struct {
	// Agents is the current fleet, sorted by (session, window).
	Agents []state.Agent
	// Duplicates are targets tmux listed more than once; only the first
	// occurrence is kept.
	Duplicates []tmux.Target
	// Transitions are the GONE evictions reconciliation produced.
	Transitions []state.TransitionRecord
}

// Discoverer runs discovery passes.
type Discoverer struct {
	cache      *cache.Layered
	pool       *pool.Pool
	tracker    *state.Tracker
	classifier *Classifier
	queue      *notify.Queue
}

// New wires a discoverer.
func New(c *cache.Layered, p *pool.Pool, t *state.Tracker, cl *Classifier, q *notify.Queue) *Discoverer {
	return &Discoverer{cache: c, pool: p, tracker: t, classifier: cl, queue: q}
}

// Discover enumerates targets (through the session_info cache), classifies
// roles from shallow pane captures, reconciles with the tracker, and
// returns the fleet in stable order.
func (d *Discoverer) Discover(ctx context.Context, cycleID string) (*Result, error) {
	listed, err := d.listTargets(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	seen := make(map[tmux.Target]state.AgentRole, len(listed))
	for _, target := range listed {
		if _, dup := seen[target]; dup {
			res.Duplicates = append(res.Duplicates, target)
			continue
		}
		seen[target] = d.classify(ctx, target)
	}

	for _, dup := range res.Duplicates {
		_ = d.queue.Enqueue(ctx, notify.Notification{
			Target:   dup,
			Severity: notify.SeverityWarn,
			Kind:     notify.KindDuplicateTarget,
			Message:  fmt.Sprintf("tmux listed %s more than once; keeping the first", dup),
		})
	}

	res.Transitions = d.tracker.Reconcile(seen, cycleID)
	for _, rec := range res.Transitions {
		if n, ok := notify.FromTransition(rec); ok {
			_ = d.queue.Enqueue(ctx, n)
		}
	}

	for _, a := range d.tracker.Agents() {
		if _, ok := seen[a.Target]; ok {
			res.Agents = append(res.Agents, a)
		}
	}
	return res, nil
}

// listTargets resolves the window list through the session_info namespace;
// a miss runs exactly one enumeration through the pool however many cycles
// race for it.
func (d *Discoverer) listTargets(ctx context.Context) ([]tmux.Target, error) {
	v, err := d.cache.GetOrCompute(ctx, cache.NamespaceSessionInfo, "targets",
		func(ctx context.Context) (any, error) {
			h, err := d.pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			defer d.pool.Release(h)

			targets, err := h.Adapter().ListTargets(ctx)
			if err != nil {
				if tmux.IsTransient(err) {
					h.MarkBroken()
				}
				return nil, err
			}
			return targets, nil
		})
	if err != nil {
		return nil, err
	}
	targets, _ := v.([]tmux.Target)
	return targets, nil
}

// classify fetches the target's cached snapshot (shallow-capturing on miss)
// and matches it against the role catalog. A target whose pane cannot be
// read keeps whatever classification gives: RoleOther.
func (d *Discoverer) classify(ctx context.Context, target tmux.Target) state.AgentRole {
	v, err := d.cache.GetOrCompute(ctx, cache.NamespacePaneContent, target.String(),
		func(ctx context.Context) (any, error) {
			h, err := d.pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			defer d.pool.Release(h)

			snap, err := h.Adapter().Capture(ctx, target, classifyCaptureLines)
			if err != nil {
				if tmux.IsTransient(err) {
					h.MarkBroken()
				}
				return nil, err
			}
			return snap, nil
		})
	if err != nil {
		discoveryLogger.Debug("classification capture failed", "target", target.String(), "error", err)
		return state.RoleOther
	}
	snap, ok := v.(*tmux.Snapshot)
	if !ok {
		return state.RoleOther
	}

	role := d.classifier.Classify(snap.Text)
	if role == state.RoleProjectManager {
		d.tracker.SetBriefingDigest(target, d.briefingDigest(target.Session, snap.Text))
	}
	return role
}

// briefingDigest resolves the session's briefing digest through the config
// namespace. The cached copy outlives the PM window itself, so a PM
// respawned within the TTL inherits the original briefing identity instead
// of hashing whatever its fresh pane happens to show.
func (d *Discoverer) briefingDigest(session, text string) [16]byte {
	key := "briefing:" + session
	if v, ok := d.cache.Get(cache.NamespaceConfig, key); ok {
		if digest, ok := v.([16]byte); ok {
			return digest
		}
	}
	digest := md5.Sum([]byte(text))
	d.cache.Set(cache.NamespaceConfig, key, digest)
	return digest
}
