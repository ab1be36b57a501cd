// Package health runs the per-agent check: borrow a pooled adapter,
// capture the pane (through the cache), classify, fold the verdict into the
// tracker, and enqueue whatever notifications the transition warrants.
package health

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tmuxmon/tmo/internal/cache"
	"github.com/tmuxmon/tmo/internal/detector"
	"github.com/tmuxmon/tmo/internal/notify"
	"github.com/tmuxmon/tmo/internal/pool"
	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/tmux"
)

var healthLogger = slog.Default().With("component", "health")

// Per-check defaults. The retry delay is jittered so a burst of failing
// checks does not re-hit tmux in lockstep.
const (
	DefaultCheckBudget   = 15 * time.Second
	DefaultCaptureLines  = 50
	defaultRetryJitterLo = 50 * time.Millisecond
	defaultRetryJitterHi = 150 * time.Millisecond
)

// Checker ties pool, cache, detector, tracker, and notifications together
// for one agent at a time.
type Checker struct {
	pool     *pool.Pool
	cache    *cache.Layered
	detector *detector.Detector
	tracker  *state.Tracker
	queue    *notify.Queue

	budget       time.Duration
	captureLines int
	jitterLo     time.Duration
	jitterHi     time.Duration
	sleep        func(time.Duration)
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithBudget sets the wall-clock budget per check.
func WithBudget(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.budget = d
		}
	}
}

// WithCaptureLines sets how many trailing pane lines a check captures.
func WithCaptureLines(n int) CheckerOption {
	return func(c *Checker) {
		if n > 0 {
			c.captureLines = n
		}
	}
}

// WithSleep overrides the retry sleep (for tests).
func WithSleep(sleep func(time.Duration)) CheckerOption {
	return func(c *Checker) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewChecker wires a checker.
func NewChecker(p *pool.Pool, ca *cache.Layered, d *detector.Detector, t *state.Tracker, q *notify.Queue, opts ...CheckerOption) *Checker {
	c := &Checker{
		pool:         p,
		cache:        ca,
		detector:     d,
		tracker:      t,
		queue:        q,
		budget:       DefaultCheckBudget,
		captureLines: DefaultCaptureLines,
		jitterLo:     defaultRetryJitterLo,
		jitterHi:     defaultRetryJitterHi,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check runs one health check for target. An UNKNOWN verdict means the
// pane could not be captured; the tracker is untouched and the missing
// counter is not advanced (missing is derived only from discovery absence).
func (c *Checker) Check(ctx context.Context, target tmux.Target, cycleID string) state.Verdict {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	snap, err := c.capture(ctx, target)
	if err != nil {
		if tmux.IsPermanent(err) {
			if rec, ok := c.tracker.MarkGone(target, "target no longer exists", cycleID); ok {
				if n, okN := notify.FromTransition(rec); okN {
					_ = c.queue.Enqueue(ctx, n)
				}
			}
			return detector.Unknown("target no longer exists")
		}
		// Transient after retry, pool exhaustion, or cancellation.
		healthLogger.Debug("check could not capture pane", "target", target.String(), "error", err)
		return detector.Unknown(err.Error())
	}

	prior, _ := c.tracker.Get(target)
	inGrace := prior.Role == state.RoleProjectManager && c.tracker.InGrace(target.Session)

	verdict := c.detector.Classify(snap, prior, inGrace)
	transitions := c.tracker.Apply(target, verdict, cycleID)
	for _, rec := range transitions {
		if n, ok := notify.FromTransition(rec); ok {
			_ = c.queue.Enqueue(ctx, n)
		}
	}

	c.cache.Set(cache.NamespaceAgentStatus, target.String(), verdict)
	return verdict
}

// capture resolves the pane snapshot through the pane_content cache; a miss
// captures through the pool with one jittered retry on transient failure.
func (c *Checker) capture(ctx context.Context, target tmux.Target) (*tmux.Snapshot, error) {
	v, err := c.cache.GetOrCompute(ctx, cache.NamespacePaneContent, target.String(),
		func(ctx context.Context) (any, error) {
			snap, err := c.captureOnce(ctx, target)
			if err == nil {
				return snap, nil
			}
			if !tmux.IsTransient(err) {
				return nil, err
			}
			c.sleep(c.retryJitter())
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return c.captureOnce(ctx, target)
		})
	if err != nil {
		return nil, err
	}
	snap, ok := v.(*tmux.Snapshot)
	if !ok {
		return nil, errors.New("unexpected cache value for pane content")
	}
	return snap, nil
}

func (c *Checker) captureOnce(ctx context.Context, target tmux.Target) (*tmux.Snapshot, error) {
	h, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(h)

	snap, err := h.Adapter().Capture(ctx, target, c.captureLines)
	if err != nil {
		if tmux.IsTransient(err) {
			h.MarkBroken()
		}
		return nil, err
	}
	return snap, nil
}

func (c *Checker) retryJitter() time.Duration {
	span := c.jitterHi - c.jitterLo
	if span <= 0 {
		return c.jitterLo
	}
	return c.jitterLo + time.Duration(rand.Int63n(int64(span)))
}
