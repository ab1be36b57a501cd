// Package recovery respawns crashed project-manager agents. A per-session
// state machine enforces the spawn grace window, cooldown with progressive
// backoff, and a bounded number of attempts per crash episode.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tmuxmon/tmo/internal/notify"
	"github.com/tmuxmon/tmo/internal/pool"
	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/tmux"
)

var recoveryLogger = slog.Default().With("component", "recovery")

// Phase is the per-session recovery phase.
type Phase uint8

const (
	PhaseHealthy Phase = iota
	PhaseGracePending
	PhaseCrashedObserved
	PhaseRecovering
	PhaseHealthyConfirmed
)

var phaseNames = map[Phase]string{
	PhaseHealthy:          "healthy",
	PhaseGracePending:     "grace_pending",
	PhaseCrashedObserved:  "crashed_observed",
	PhaseRecovering:       "recovering",
	PhaseHealthyConfirmed: "healthy_confirmed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// pmWindowName is the window name used for respawned PMs.
const pmWindowName = "pm"

// cooldownGrowthCap caps the backoff factor at 8x the base cooldown.
const cooldownGrowthCap = 8.0

// Config holds the recovery timing parameters.
type Config struct {
	GracePeriod     time.Duration
	CooldownBase    time.Duration
	CooldownGrowth  float64
	MaxAttempts     int
	ConfirmSamples  int
	PMLaunchCommand string
}

// DefaultConfig returns the default recovery timings.
func DefaultConfig() Config {
	return Config{
		GracePeriod:    180 * time.Second,
		CooldownBase:   30 * time.Second,
		CooldownGrowth: 2.0,
		MaxAttempts:    3,
		ConfirmSamples: 2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = def.CooldownBase
	}
	if c.CooldownGrowth <= 1 {
		c.CooldownGrowth = def.CooldownGrowth
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.ConfirmSamples <= 0 {
		c.ConfirmSamples = def.ConfirmSamples
	}
	return c
}

// Manager drives PM recovery. It consumes the tracker's transition records
// and a narrow record-store view; it never calls back into verdict
// application.
type Manager struct {
	cfg     Config
	pool    *pool.Pool
	tracker *state.Tracker
	queue   *notify.Queue

	mu        sync.Mutex
	phases    map[string]Phase
	exhausted map[string]bool        // CRITICAL already emitted this episode
	spawned   map[string]tmux.Target // replacement window of the running attempt
	confirms  map[string]int         // consecutive cycles the PM read ACTIVE

	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager wires a recovery manager.
func NewManager(cfg Config, p *pool.Pool, t *state.Tracker, q *notify.Queue, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		pool:      p,
		tracker:   t,
		queue:     q,
		phases:    make(map[string]Phase),
		exhausted: make(map[string]bool),
		spawned:   make(map[string]tmux.Target),
		confirms:  make(map[string]int),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Phase returns the session's current recovery phase.
func (m *Manager) Phase(session string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phases[session]
}

// Reset clears a parked session so recovery may run again. This is the
// manual reset after an exhausted episode.
func (m *Manager) Reset(session string) {
	m.mu.Lock()
	m.phases[session] = PhaseHealthy
	delete(m.exhausted, session)
	delete(m.spawned, session)
	delete(m.confirms, session)
	m.mu.Unlock()
	m.tracker.ResetPmRecord(session)
	recoveryLogger.Info("recovery record reset", "session", session)
}

// Observe folds one cycle's transition records into the per-session
// machines. Only PM-scoped records matter.
func (m *Manager) Observe(recs []state.TransitionRecord) {
	now := m.now()
	for _, rec := range recs {
		if rec.Role != state.RoleProjectManager {
			continue
		}
		session := rec.Target.Session

		switch rec.To {
		case state.StateCrashed, state.StateGone:
			m.observeCrash(session, rec, now)
		case state.StateActive:
			if rec.From == state.StateRecovering {
				m.observeConfirmed(session)
			}
		case state.StateRecovering:
			m.setPhase(session, PhaseRecovering)
		}
	}
}

// observeCrash opens (or continues) a crash episode.
func (m *Manager) observeCrash(session string, rec state.TransitionRecord, now time.Time) {
	m.mu.Lock()
	phase := m.phases[session]
	if phase == PhaseCrashedObserved && m.exhausted[session] {
		// Parked; only a manual reset reopens the episode.
		m.mu.Unlock()
		return
	}
	replacement, hasReplacement := m.spawned[session]
	m.mu.Unlock()

	// While the replacement sits inside its grace window, the old window
	// evaporating (or its lingering crash text) is not a new episode.
	if hasReplacement && rec.Target != replacement &&
		(phase == PhaseRecovering || phase == PhaseGracePending) {
		if r, ok := m.tracker.PmRecord(session); ok && r.InGrace(now) {
			m.setPhase(session, PhaseGracePending)
			recoveryLogger.Info("old pm window left during grace",
				"session", session, "target", rec.Target.String())
			return
		}
	}

	m.mu.Lock()
	m.phases[session] = PhaseCrashedObserved
	m.confirms[session] = 0
	m.mu.Unlock()

	record := m.tracker.UpdatePmRecord(session, func(r *state.PmRecoveryRecord) {
		r.LastOutcome = state.OutcomeFailed
		// The first crash of an episode arms the base cooldown. Later
		// crashes keep the schedule set at attempt time, so the backoff
		// spacing between attempts is preserved.
		if r.AttemptCount == 0 && now.After(r.CooldownUntil) {
			r.CooldownUntil = now.Add(m.cfg.CooldownBase)
		}
	})
	recoveryLogger.Warn("pm crash observed",
		"session", session, "target", rec.Target.String(), "reason", rec.Reason,
		"attempts", record.AttemptCount, "cooldown_until", record.CooldownUntil)
}

// observeConfirmed closes the episode after the tracker has seen the
// configured streak of ACTIVE verdicts.
func (m *Manager) observeConfirmed(session string) {
	m.setPhase(session, PhaseHealthyConfirmed)
	m.tracker.ResetPmRecord(session)
	m.mu.Lock()
	delete(m.exhausted, session)
	delete(m.spawned, session)
	delete(m.confirms, session)
	m.mu.Unlock()
	recoveryLogger.Info("pm recovery confirmed", "session", session)
}

func (m *Manager) setPhase(session string, p Phase) {
	m.mu.Lock()
	m.phases[session] = p
	m.mu.Unlock()
}

// Evaluate runs after each cycle. Sessions with a running attempt build
// their confirmation streak; sessions with an open crash episode whose
// cooldown has elapsed get a recovery attempt, up to MaxAttempts per
// episode.
func (m *Manager) Evaluate(ctx context.Context, cycleID string) {
	now := m.now()
	for _, record := range m.tracker.PmRecords() {
		session := record.Session

		m.mu.Lock()
		phase := m.phases[session]
		parked := m.exhausted[session]
		m.mu.Unlock()

		switch phase {
		case PhaseRecovering, PhaseGracePending:
			if m.confirmIfHealthy(session) {
				continue
			}
			// A grace window that expires unconfirmed reopens the episode
			// so the next attempt (or parking) can run.
			if !record.GraceUntil.IsZero() && now.After(record.GraceUntil) {
				m.setPhase(session, PhaseCrashedObserved)
			}
		case PhaseCrashedObserved:
			if parked {
				continue
			}
			// Exhaustion is decided on the attempt count alone; the CRITICAL
			// must not wait out the final cooldown.
			if record.AttemptCount >= m.cfg.MaxAttempts {
				m.park(ctx, session, record.AttemptCount)
				continue
			}
			if now.Before(record.CooldownUntil) {
				continue
			}
			m.attempt(ctx, session, cycleID)
		}
	}
}

// confirmIfHealthy advances the session's confirmation streak when its PM
// currently reads ACTIVE, and closes the episode once the streak reaches
// ConfirmSamples. A respawned PM enters the tracker as a fresh agent, so
// confirmation keys off the live state rather than transition records.
func (m *Manager) confirmIfHealthy(session string) bool {
	active := false
	for _, a := range m.tracker.Agents() {
		if a.Target.Session == session && a.Role == state.RoleProjectManager &&
			a.State == state.StateActive {
			active = true
			break
		}
	}

	m.mu.Lock()
	if active {
		m.confirms[session]++
	} else {
		m.confirms[session] = 0
	}
	streak := m.confirms[session]
	m.mu.Unlock()

	if streak >= m.cfg.ConfirmSamples {
		m.observeConfirmed(session)
		return true
	}
	return false
}

// park marks a session exhausted and emits the single CRITICAL alert.
func (m *Manager) park(ctx context.Context, session string, attempts int) {
	m.mu.Lock()
	if m.exhausted[session] {
		m.mu.Unlock()
		return
	}
	m.exhausted[session] = true
	m.mu.Unlock()

	m.tracker.UpdatePmRecord(session, func(r *state.PmRecoveryRecord) {
		r.LastOutcome = state.OutcomeExhausted
	})
	_ = m.queue.Enqueue(ctx, notify.Notification{
		Target:   tmux.NewTarget(session, 0),
		Severity: notify.SeverityCritical,
		Kind:     notify.KindRecoveryExhausted,
		Message: fmt.Sprintf("session %s: pm recovery exhausted after %d attempts; manual reset required",
			session, attempts),
	})
	recoveryLogger.Error("pm recovery exhausted", "session", session, "attempts", attempts)
}

// attempt spawns a replacement PM and advances the episode bookkeeping.
func (m *Manager) attempt(ctx context.Context, session, cycleID string) {
	now := m.now()

	target, err := m.spawn(ctx, session)
	if err != nil {
		m.tracker.UpdatePmRecord(session, func(r *state.PmRecoveryRecord) {
			r.AttemptCount++
			r.LastAttemptAt = now
			r.LastOutcome = state.OutcomeFailed
			r.CooldownUntil = now.Add(m.cooldown(r.AttemptCount))
		})
		recoveryLogger.Error("pm spawn failed", "session", session, "error", err)
		return
	}

	record := m.tracker.UpdatePmRecord(session, func(r *state.PmRecoveryRecord) {
		r.AttemptCount++
		r.LastAttemptAt = now
		r.LastOutcome = state.OutcomeSpawned
		r.GraceUntil = now.Add(m.cfg.GracePeriod)
		r.CooldownUntil = now.Add(m.cooldown(r.AttemptCount))
	})
	m.mu.Lock()
	m.phases[session] = PhaseRecovering
	m.spawned[session] = target
	m.confirms[session] = 0
	m.mu.Unlock()

	recoveryLogger.Info("pm respawned",
		"session", session, "target", target.String(),
		"attempt", record.AttemptCount, "grace_until", record.GraceUntil)

	m.broadcastRestart(ctx, session, target)
}

// spawn creates the replacement PM window through a pooled adapter.
func (m *Manager) spawn(ctx context.Context, session string) (tmux.Target, error) {
	h, err := m.pool.Acquire(ctx)
	if err != nil {
		return tmux.Target{}, err
	}
	defer m.pool.Release(h)

	target, err := h.Adapter().Spawn(ctx, session, pmWindowName, m.cfg.PMLaunchCommand)
	if err != nil {
		if tmux.IsTransient(err) {
			h.MarkBroken()
		}
		return tmux.Target{}, err
	}
	return target, nil
}

// broadcastRestart tells every non-PM agent in the session to resync.
func (m *Manager) broadcastRestart(ctx context.Context, session string, pmTarget tmux.Target) {
	for _, a := range m.tracker.Agents() {
		if a.Target.Session != session || a.Role == state.RoleProjectManager || a.Target == pmTarget {
			continue
		}
		_ = m.queue.Enqueue(ctx, notify.Notification{
			Target:   a.Target,
			Severity: notify.SeverityWarn,
			Kind:     notify.KindPMRestarted,
			Message:  fmt.Sprintf("PM restarted in %s; please resynchronise", session),
		})
	}
}

// cooldown computes the delay after attemptsMade attempts: base for the
// first, then base x growth^n capped at 8x base.
func (m *Manager) cooldown(attemptsMade int) time.Duration {
	factor := math.Min(math.Pow(m.cfg.CooldownGrowth, float64(attemptsMade)), cooldownGrowthCap)
	return time.Duration(float64(m.cfg.CooldownBase) * factor)
}
