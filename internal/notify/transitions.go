package notify

import (
	"fmt"

	"github.com/tmuxmon/tmo/internal/state"
)

// FromTransition derives the notification a state transition warrants, if
// any. Routine transitions (becoming active, going idle) stay silent.
func FromTransition(rec state.TransitionRecord) (Notification, bool) {
	base := Notification{Target: rec.Target, CreatedAt: rec.At}

	switch rec.To {
	case state.StateStuck:
		base.Severity = SeverityWarn
		base.Kind = KindStuck
		base.Message = fmt.Sprintf("agent %s (%s) appears stuck: %s", rec.Target, rec.Role, rec.Reason)
	case state.StateCrashed:
		base.Severity = SeverityError
		base.Kind = KindCrashed
		base.Message = fmt.Sprintf("agent %s (%s) crashed: %s", rec.Target, rec.Role, rec.Reason)
	case state.StateGone:
		base.Severity = SeverityWarn
		base.Kind = KindGone
		base.Message = fmt.Sprintf("agent %s (%s) disappeared: %s", rec.Target, rec.Role, rec.Reason)
	case state.StateActive:
		if rec.From != state.StateRecovering {
			return Notification{}, false
		}
		base.Severity = SeverityInfo
		base.Kind = KindRecovered
		base.Message = fmt.Sprintf("agent %s (%s) recovered", rec.Target, rec.Role)
	default:
		return Notification{}, false
	}
	return base, true
}
