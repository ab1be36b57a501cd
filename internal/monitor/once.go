package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmuxmon/tmo/internal/notify"
	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/strategy"
)

// RunOnce executes a single monitoring cycle without the daemon loop:
// discovery, one strategy pass, recovery evaluation. Notifications are
// logged but not delivered to PM panes; a one-shot check is read-only
// towards the fleet. session, when non-empty, restricts checks to that
// session; strategyName, when non-empty, overrides the configured strategy.
func (s *Scheduler) RunOnce(ctx context.Context, session, strategyName string) (*CycleReport, []state.Agent, error) {
	s.mu.Lock()
	if s.state != DaemonStopped {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("monitor is %s; one-shot checks need a stopped instance", s.state)
	}
	if strategyName == "" {
		strategyName = s.cfg.Strategy
	}
	maxParallel := s.maxParallel
	s.mu.Unlock()

	strat, err := s.registry.Get(strategyName)
	if err != nil {
		return nil, nil, err
	}

	s.pool.Start()
	defer s.pool.Close()

	cycleID := uuid.NewString()
	started := time.Now()

	res, err := s.discoverer.Discover(ctx, cycleID)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: %w", err)
	}

	agents := res.Agents
	if session != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if a.Target.Session == session {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}

	summary, err := strat.Execute(ctx, &strategy.CycleContext{
		CycleID:     cycleID,
		Agents:      agents,
		Checker:     s.checker,
		MaxParallel: maxParallel,
	})
	if err != nil {
		return nil, nil, err
	}

	s.recovery.Observe(s.tracker.CycleTransitions(cycleID))

	// Log-only drain: no PM pane delivery from a one-shot check.
	notify.NewDrainer(s.queue, nil).DrainPending(ctx)

	view := &cycleSummaryView{
		cycleID:  summary.CycleID,
		strategy: summary.Strategy,
		started:  summary.Started,
		duration: time.Since(started),
		checked:  summary.Checked,
		unknown:  summary.Unknown,
		byState:  summary.ByState,
	}

	var out []state.Agent
	for _, a := range s.tracker.Agents() {
		if session == "" || a.Target.Session == session {
			out = append(out, a)
		}
	}
	return cycleReport(view), out, nil
}
