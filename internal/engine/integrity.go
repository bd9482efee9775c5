package engine

import (
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
	"github.com/pavelanni/prepdeck/internal/store"
)

// DefaultViolationCeiling is the number of violations an interview session
// tolerates before termination is forced, unless the assignment overrides.
const DefaultViolationCeiling = 5

// violationEvents are the proctoring signal classes that count against the
// ceiling. The remaining classes are retained for audit only.
var violationEvents = map[model.IntegrityEventType]bool{
	model.EventTabSwitch:       true,
	model.EventFocusLost:       true,
	model.EventCopy:            true,
	model.EventPaste:           true,
	model.EventDevToolsOpen:    true,
	model.EventFullscreenExit:  true,
	model.EventScreenRecording: true,
	model.EventMultipleWindows: true,
	model.EventNavigation:      true,
}

// Monitor accumulates proctoring signals for interview sessions and
// decides when the violation ceiling forces termination. It never mutates
// the session itself; the decision is consumed by the lifecycle manager.
type Monitor struct {
	store *store.Store
	now   func() time.Time
}

// NewMonitor creates the integrity monitor.
func NewMonitor(st *store.Store) *Monitor {
	return &Monitor{store: st, now: time.Now}
}

// Decision is the monitor's verdict after recording one event.
type Decision struct {
	Recorded     bool `json:"recorded"`
	Violations   int  `json:"violations"`
	ForceAbandon bool `json:"force_abandon"`
}

// RecordEvent appends a proctoring event and returns the updated decision.
// Practice sessions are never monitored: the event is dropped and the
// decision is empty. ForceAbandon is set once the aggregate violation
// count exceeds the ceiling.
func (m *Monitor) RecordEvent(sess model.Session, ceiling int, typ model.IntegrityEventType) (Decision, error) {
	if sess.Mode != model.ModeInterview {
		return Decision{}, nil
	}
	if !sess.Status.Active() {
		return Decision{}, model.ErrSessionNotActive
	}
	if ceiling <= 0 {
		ceiling = DefaultViolationCeiling
	}

	if _, err := m.store.AddIntegrityEvent(model.IntegrityEvent{
		SessionID: sess.ID,
		Type:      typ,
		CreatedAt: m.now(),
	}); err != nil {
		return Decision{}, err
	}

	violations, err := m.Violations(sess.ID)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Recorded:     true,
		Violations:   violations,
		ForceAbandon: violations > ceiling,
	}, nil
}

// Violations returns the session's aggregate violation count.
func (m *Monitor) Violations(sessionID int64) (int, error) {
	types := make([]model.IntegrityEventType, 0, len(violationEvents))
	for t := range violationEvents {
		types = append(types, t)
	}
	return m.store.CountViolations(sessionID, types)
}

// IsViolation reports whether an event class counts against the ceiling.
func IsViolation(typ model.IntegrityEventType) bool {
	return violationEvents[typ]
}
