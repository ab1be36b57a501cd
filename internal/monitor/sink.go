package monitor

import (
	"context"
	"fmt"

	"github.com/tmuxmon/tmo/internal/notify"
	"github.com/tmuxmon/tmo/internal/pool"
	"github.com/tmuxmon/tmo/internal/state"
	"github.com/tmuxmon/tmo/internal/tmux"
)

// pmSink delivers WARN-and-above notifications to the project manager of
// the notification target's session through a pooled adapter. When no agent
// in the session carries the PM role, window 0 is addressed, the
// conventional PM seat.
type pmSink struct {
	pool    *pool.Pool
	tracker *state.Tracker
}

func (s *pmSink) Deliver(ctx context.Context, n notify.Notification) error {
	pmTarget := s.resolvePM(n.Target.Session)

	// A PM is not told about its own demise; recovery handles that.
	if pmTarget == n.Target && (n.Kind == notify.KindCrashed || n.Kind == notify.KindGone) {
		return nil
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	msg := fmt.Sprintf("[tmo %s] %s", n.Severity, n.Message)
	if err := h.Adapter().Send(ctx, pmTarget, msg, true); err != nil {
		if tmux.IsTransient(err) {
			h.MarkBroken()
		}
		return err
	}
	return nil
}

func (s *pmSink) resolvePM(session string) tmux.Target {
	for _, a := range s.tracker.Agents() {
		if a.Target.Session == session && a.Role == state.RoleProjectManager {
			return a.Target
		}
	}
	return tmux.NewTarget(session, 0)
}
