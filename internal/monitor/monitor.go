// Package monitor runs the top-level scheduling loop: discovery, one
// strategy pass of health checks per cycle, PM recovery evaluation, and
// notification draining, at a configured tempo with overlap protection and
// pool backpressure.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmuxmon/tmo/internal/cache"
	"github.com/tmuxmon/tmo/internal/config"
	"github.com/tmuxmon/tmo/internal/detector"
	"github.com/tmuxmon/tmo/internal/discovery"
	"github.com/tmuxmon/tmo/internal/health"
	"github.com/tmuxmon/tmo/internal/notify"
	"github.com/tmuxmon/tmo/internal/pool"
	"github.com/tmuxmon/tmo/internal/recovery"
	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/strategy"
	"github.com/tmuxmon/tmo/internal/tmux"
)

var monitorLogger = slog.Default().With("component", "monitor")

// Scheduler timing defaults.
const (
	// DefaultStopTimeout bounds a graceful stop.
	DefaultStopTimeout = 30 * time.Second
	// DefaultSaturationWindow is how long the pool must stay saturated
	// before the scheduler halves max_parallel for the next cycle.
	DefaultSaturationWindow = 30 * time.Second
	// minParallel is the backpressure floor.
	minParallel = 2
)

// Scheduler is the explicit daemon instance: create, Start, Reconfigure as
// needed, Stop. No process-wide state beyond it and the snapshot file.
type Scheduler struct {
	mu    sync.Mutex
	cfg   *config.Config
	next  *config.Config // pending reconfigure, applied at cycle boundary
	state DaemonState

	pool       *pool.Pool
	cache      *cache.Layered
	tracker    *state.Tracker
	queue      *notify.Queue
	drainer    *notify.Drainer
	checker    *health.Checker
	discoverer *discovery.Discoverer
	registry   *strategy.Registry
	recovery   *recovery.Manager

	adapterFactory pool.Factory
	statePath      string

	startedAt    time.Time
	lastSummary  *cycleSummaryView
	maxParallel  int
	skipped      uint64
	lastPersist  time.Time
	checkBudget  time.Duration
	captureLines int
	satWindow    time.Duration

	cancelRun context.CancelFunc
	runDone   chan struct{}
	drainStop context.CancelFunc
}

// SchedulerOption configures a Scheduler at construction.
type SchedulerOption func(*Scheduler)

// WithAdapterFactory overrides how pooled adapters are created (for
// tests).
func WithAdapterFactory(f pool.Factory) SchedulerOption {
	return func(s *Scheduler) {
		if f != nil {
			s.adapterFactory = f
		}
	}
}

// WithStatePath overrides the tracker snapshot path.
func WithStatePath(path string) SchedulerOption {
	return func(s *Scheduler) {
		if path != "" {
			s.statePath = path
		}
	}
}

// WithCheckBudget overrides the per-check wall budget (for tests).
func WithCheckBudget(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.checkBudget = d
		}
	}
}

// WithSaturationWindow overrides how long the pool must stay saturated
// before backpressure kicks in (for tests).
func WithSaturationWindow(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.satWindow = d
		}
	}
}

// New builds a stopped scheduler from cfg. Signature misconfiguration is
// refused here, before anything runs.
func New(cfg *config.Config, opts ...SchedulerOption) (*Scheduler, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:   cfg,
		state: DaemonStopped,
		adapterFactory: func() (tmux.Adapter, error) {
			return tmux.NewCLIAdapter(), nil
		},
		maxParallel:  cfg.MaxParallel,
		checkBudget:  health.DefaultCheckBudget,
		captureLines: health.DefaultCaptureLines,
		satWindow:    DefaultSaturationWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.statePath == "" {
		path, err := cfg.StatePath()
		if err != nil {
			return nil, err
		}
		s.statePath = path
	}

	if err := s.build(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// build wires every component from cfg. Called at construction and when a
// reconfigure changes component geometry.
func (s *Scheduler) build(cfg *config.Config) error {
	terminalSigs, err := cfg.TerminalSignatures()
	if err != nil {
		return err
	}
	bindings, err := cfg.RoleBindings()
	if err != nil {
		return err
	}
	roleSigs := make([]discovery.RoleSignature, len(bindings))
	for i, b := range bindings {
		roleSigs[i] = discovery.RoleSignature{Role: b.Role, Signature: b.Signature}
	}
	classifier, err := discovery.NewClassifier(roleSigs)
	if err != nil {
		return err
	}

	s.pool = pool.New(s.adapterFactory, pool.Config{
		Min:            cfg.Pool.Min,
		Max:            cfg.Pool.Max,
		AcquireTimeout: time.Duration(cfg.Pool.AcquireTimeout) * time.Second,
		MaxIdle:        time.Duration(cfg.Pool.MaxIdle) * time.Second,
		MaxTotalAge:    time.Duration(cfg.Pool.MaxTotalAge) * time.Second,
		SweepInterval:  time.Duration(cfg.Pool.SweepInterval) * time.Second,
	})
	s.cache = cache.New(cache.Config{
		PaneContentTTL:         time.Duration(cfg.Cache.PaneContentTTL) * time.Second,
		AgentStatusTTL:         time.Duration(cfg.Cache.AgentStatusTTL) * time.Second,
		SessionInfoTTL:         time.Duration(cfg.Cache.SessionInfoTTL) * time.Second,
		ConfigTTL:              time.Duration(cfg.Cache.ConfigTTL) * time.Second,
		MaxEntriesPerNamespace: cfg.Cache.MaxEntriesPerNamespace,
	})
	s.tracker = state.NewTracker(
		state.WithConfirmSamples(cfg.Recovery.ConfirmSamples),
	)
	s.queue = notify.NewQueue(notify.Config{
		Capacity:     cfg.Notifications.QueueCapacity,
		DedupeWindow: cfg.DedupeWindowDuration(),
	})
	s.drainer = notify.NewDrainer(s.queue, &pmSink{pool: s.pool, tracker: s.tracker})

	det := detector.New(terminalSigs, cfg.Crash.StuckThreshold)
	s.checker = health.NewChecker(s.pool, s.cache, det, s.tracker, s.queue,
		health.WithBudget(s.checkBudget),
		health.WithCaptureLines(s.captureLines),
	)
	s.discoverer = discovery.New(s.cache, s.pool, s.tracker, classifier, s.queue)
	s.registry = strategy.NewRegistry()
	s.recovery = recovery.NewManager(recovery.Config{
		GracePeriod:     time.Duration(cfg.Recovery.GracePeriod) * time.Second,
		CooldownBase:    time.Duration(cfg.Recovery.CooldownBase) * time.Second,
		CooldownGrowth:  cfg.Recovery.CooldownGrowth,
		MaxAttempts:     cfg.Recovery.MaxAttempts,
		ConfirmSamples:  cfg.Recovery.ConfirmSamples,
		PMLaunchCommand: cfg.Recovery.PMLaunchCommand,
	}, s.pool, s.tracker, s.queue)
	return nil
}

// Registry exposes the strategy registry so embedding programs can add
// in-process strategies before Start.
func (s *Scheduler) Registry() *strategy.Registry { return s.registry }

// Tracker exposes a read view of the tracker for the CLI status surface.
func (s *Scheduler) Tracker() *state.Tracker { return s.tracker }

// Start transitions the daemon to RUNNING. Idempotent: a second call
// reports "already running" without disturbing the cycle.
func (s *Scheduler) Start() OpResult {
	s.mu.Lock()
	if s.state == DaemonRunning {
		s.mu.Unlock()
		return OpResult{OK: true, Message: "already running"}
	}

	if err := s.tracker.Load(s.statePath); err != nil {
		monitorLogger.Warn("state snapshot unusable; starting empty", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	drainCtx, drainCancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.drainStop = drainCancel
	s.runDone = make(chan struct{})
	s.state = DaemonRunning
	s.startedAt = time.Now()
	s.lastPersist = s.startedAt
	s.mu.Unlock()

	s.pool.Start()
	go s.drainer.Run(drainCtx)
	go s.run(runCtx)

	monitorLogger.Info("monitor started",
		"strategy", s.cfg.Strategy,
		"cycle_interval", s.cfg.CycleIntervalDuration(),
		"max_parallel", s.maxParallel,
	)
	return OpResult{OK: true, Message: "started"}
}

// Stop cancels the loop. Graceful stops wait up to timeout for the cycle,
// drain notifications, and persist the tracker; non-graceful stops skip
// all of that.
func (s *Scheduler) Stop(graceful bool, timeout time.Duration) OpResult {
	s.mu.Lock()
	if s.state != DaemonRunning {
		s.mu.Unlock()
		return OpResult{OK: true, Message: "not running"}
	}
	s.state = DaemonStopping
	cancel := s.cancelRun
	done := s.runDone
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	cancel()

	if graceful {
		select {
		case <-done:
		case <-time.After(timeout):
			monitorLogger.Warn("cycle did not finish before stop timeout")
		}
		s.drainStop()
		select {
		case <-s.drainer.Done():
		case <-time.After(timeout):
		}
		if err := s.tracker.Save(s.statePath); err != nil {
			monitorLogger.Error("final state persist failed", "error", err)
		}
	} else {
		s.drainStop()
	}

	s.pool.Close()
	s.queue.Close()

	s.mu.Lock()
	s.state = DaemonStopped
	s.mu.Unlock()

	monitorLogger.Info("monitor stopped", "graceful", graceful)
	return OpResult{OK: true, Message: "stopped"}
}

// Reconfigure queues cfg for application at the next cycle boundary. An
// identical configuration is a no-op observable only as a log entry.
func (s *Scheduler) Reconfigure(cfg *config.Config) OpResult {
	if err := cfg.Validate(); err != nil {
		return OpResult{OK: false, Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Equal(cfg) {
		monitorLogger.Info("reconfigure: configuration unchanged")
		return OpResult{OK: true, Message: "configuration unchanged"}
	}
	s.next = cfg
	monitorLogger.Info("reconfigure queued for next cycle boundary")
	return OpResult{OK: true, Message: "reconfigure queued"}
}

// Status returns a point-in-time status snapshot.
func (s *Scheduler) Status() *StatusReport {
	s.mu.Lock()
	daemon := s.state
	startedAt := s.startedAt
	last := s.lastSummary
	maxParallel := s.maxParallel
	skipped := s.skipped
	rec := s.recovery
	s.mu.Unlock()

	counts := make(map[string]int)
	for _, st := range state.AllStates() {
		counts[st.String()] = 0
	}
	for st, n := range s.tracker.CountsByState() {
		counts[st.String()] = n
	}

	var agentViews []AgentView
	for _, a := range s.tracker.Agents() {
		av := AgentView{
			Target: a.Target.String(),
			Role:   a.Role.String(),
			State:  a.State.String(),
		}
		// The agent_status namespace keeps the point-in-time verdict that
		// produced the state, without touching tmux.
		if v, ok := s.cache.Get(cache.NamespaceAgentStatus, a.Target.String()); ok {
			if verdict, ok := v.(state.Verdict); ok {
				av.LastVerdict = verdict.Reason
			}
		}
		agentViews = append(agentViews, av)
	}

	var pmViews []PmRecordView
	for _, r := range s.tracker.PmRecords() {
		pmViews = append(pmViews, PmRecordView{
			Session:       r.Session,
			Phase:         rec.Phase(r.Session).String(),
			AttemptCount:  r.AttemptCount,
			LastAttemptAt: r.LastAttemptAt,
			GraceUntil:    r.GraceUntil,
			CooldownUntil: r.CooldownUntil,
			LastOutcome:   r.LastOutcome.String(),
		})
	}

	var views []NotificationView
	for _, n := range s.queue.Recent() {
		views = append(views, NotificationView{
			Target:     n.Target.String(),
			Severity:   n.Severity.String(),
			Kind:       n.Kind,
			Message:    n.Message,
			CreatedAt:  n.CreatedAt,
			Suppressed: n.SuppressedCount,
		})
	}

	return &StatusReport{
		Daemon:        daemon,
		StartedAt:     startedAt,
		LastCycle:     cycleReport(last),
		Agents:        agentViews,
		AgentCounts:   counts,
		Pool:          s.pool.Stats(),
		Cache:         s.cache.Stats(),
		PmRecords:     pmViews,
		Notifications: views,
		Queue:         s.queue.Stats(),
		MaxParallel:   maxParallel,
		SkippedCycles: skipped,
	}
}

// run is the scheduling loop: an immediate cycle, then one per interval.
// Cycles run inline so overlap is impossible; overruns skip ticks and are
// reported.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.runDone)

	s.cycle(ctx)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if applied := s.applyPending(); applied {
				ticker.Reset(s.interval())
			}
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.cfg.CycleIntervalDuration()
	if d < time.Second {
		d = time.Second
	}
	return d
}

// applyPending swaps in a queued configuration at the cycle boundary.
// Classifier, detector, tempo, and recovery parameters take effect now;
// pool and cache geometry changes need a restart and are logged as such.
func (s *Scheduler) applyPending() bool {
	s.mu.Lock()
	next := s.next
	s.next = nil
	if next == nil {
		s.mu.Unlock()
		return false
	}
	prev := s.cfg
	s.cfg = next
	s.maxParallel = next.MaxParallel
	s.mu.Unlock()

	terminalSigs, err := next.TerminalSignatures()
	if err != nil {
		monitorLogger.Error("reconfigure: signatures invalid; keeping previous", "error", err)
		s.mu.Lock()
		s.cfg = prev
		s.mu.Unlock()
		return false
	}
	bindings, _ := next.RoleBindings()
	roleSigs := make([]discovery.RoleSignature, len(bindings))
	for i, b := range bindings {
		roleSigs[i] = discovery.RoleSignature{Role: b.Role, Signature: b.Signature}
	}
	classifier, err := discovery.NewClassifier(roleSigs)
	if err != nil {
		monitorLogger.Error("reconfigure: role signatures invalid; keeping previous", "error", err)
		s.mu.Lock()
		s.cfg = prev
		s.mu.Unlock()
		return false
	}

	det := detector.New(terminalSigs, next.Crash.StuckThreshold)
	checker := health.NewChecker(s.pool, s.cache, det, s.tracker, s.queue,
		health.WithBudget(s.checkBudget),
		health.WithCaptureLines(s.captureLines),
	)
	discoverer := discovery.New(s.cache, s.pool, s.tracker, classifier, s.queue)
	manager := recovery.NewManager(recovery.Config{
		GracePeriod:     time.Duration(next.Recovery.GracePeriod) * time.Second,
		CooldownBase:    time.Duration(next.Recovery.CooldownBase) * time.Second,
		CooldownGrowth:  next.Recovery.CooldownGrowth,
		MaxAttempts:     next.Recovery.MaxAttempts,
		ConfirmSamples:  next.Recovery.ConfirmSamples,
		PMLaunchCommand: next.Recovery.PMLaunchCommand,
	}, s.pool, s.tracker, s.queue)

	s.mu.Lock()
	s.checker = checker
	s.discoverer = discoverer
	s.recovery = manager
	s.mu.Unlock()

	if prev.Pool != next.Pool || prev.Cache != next.Cache {
		monitorLogger.Warn("reconfigure: pool/cache geometry changes take effect on restart")
	}
	monitorLogger.Info("reconfigure applied", "strategy", next.Strategy, "max_parallel", next.MaxParallel)
	return true
}

// cycle runs one full monitoring pass.
func (s *Scheduler) cycle(ctx context.Context) {
	cycleID := uuid.NewString()
	started := time.Now()
	logger := monitorLogger.With("cycle_id", cycleID)

	s.mu.Lock()
	strategyName := s.cfg.Strategy
	maxParallel := s.maxParallel
	s.mu.Unlock()

	res, err := s.discoverer.Discover(ctx, cycleID)
	if err != nil {
		if tmux.IsPermanent(err) {
			logger.Error("tmux unreachable; shutting down", "error", err)
			_ = s.queue.Enqueue(ctx, notify.Notification{
				Severity: notify.SeverityCritical,
				Kind:     notify.KindCycleAborted,
				Message:  fmt.Sprintf("tmux unreachable: %v", err),
			})
			go s.Stop(true, DefaultStopTimeout)
			return
		}
		logger.Warn("discovery failed; skipping cycle", "error", err)
		return
	}

	strat, err := s.registry.Get(strategyName)
	if err != nil {
		logger.Error("strategy unavailable", "error", err)
		return
	}

	summary, err := strat.Execute(ctx, &strategy.CycleContext{
		CycleID:     cycleID,
		Agents:      res.Agents,
		Checker:     s.checker,
		MaxParallel: maxParallel,
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("strategy pass failed", "error", err)
	}

	recs := s.tracker.CycleTransitions(cycleID)
	s.recovery.Observe(recs)
	if ctx.Err() == nil {
		s.recovery.Evaluate(ctx, cycleID)
	}

	duration := time.Since(started)
	s.finishCycle(ctx, summary, duration, logger)
}

// finishCycle records the summary, applies backpressure, reports overruns,
// and persists on cadence.
func (s *Scheduler) finishCycle(ctx context.Context, summary *strategy.CycleSummary, duration time.Duration, logger *slog.Logger) {
	interval := s.interval()

	s.mu.Lock()
	if summary != nil {
		s.lastSummary = &cycleSummaryView{
			cycleID:  summary.CycleID,
			strategy: summary.Strategy,
			started:  summary.Started,
			duration: duration,
			checked:  summary.Checked,
			unknown:  summary.Unknown,
			byState:  summary.ByState,
		}
	}
	ceiling := s.cfg.MaxParallel
	s.mu.Unlock()

	// Overrun: the ticker drops missed ticks on its own; report them.
	if duration > interval {
		skips := uint64(duration / interval)
		s.mu.Lock()
		s.skipped += skips
		s.mu.Unlock()
		_ = s.queue.Enqueue(ctx, notify.Notification{
			Severity: notify.SeverityWarn,
			Kind:     notify.KindCycleOverrun,
			Message:  fmt.Sprintf("cycle took %s, over the %s interval; skipped %d tick(s)", duration.Round(time.Millisecond), interval, skips),
		})
	}

	// Backpressure: sustained saturation halves the parallelism for the
	// next cycle; a clean cycle doubles it back toward the ceiling.
	stats := s.pool.Stats()
	s.mu.Lock()
	switch {
	case stats.SaturatedFor >= s.satWindow:
		if s.maxParallel > minParallel {
			s.maxParallel = max(minParallel, s.maxParallel/2)
			reduced := s.maxParallel
			s.mu.Unlock()
			_ = s.queue.Enqueue(ctx, notify.Notification{
				Severity: notify.SeverityWarn,
				Kind:     notify.KindPoolSaturation,
				Message:  fmt.Sprintf("connection pool saturated for %s; max_parallel reduced to %d", stats.SaturatedFor.Round(time.Second), reduced),
			})
			s.mu.Lock()
		}
	case stats.SaturatedFor == 0 && s.maxParallel < ceiling:
		s.maxParallel = min(ceiling, s.maxParallel*2)
	}
	persistDue := time.Since(s.lastPersist) >= s.cfg.PersistIntervalDuration()
	if persistDue {
		s.lastPersist = time.Now()
	}
	s.mu.Unlock()

	if persistDue {
		if err := s.tracker.Save(s.statePath); err != nil {
			logger.Error("periodic state persist failed", "error", err)
		}
	}

	if summary != nil {
		logger.Debug("cycle complete",
			"duration", duration.Round(time.Millisecond),
			"checked", summary.Checked,
			"unknown", summary.Unknown,
		)
	}
}
