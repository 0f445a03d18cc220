// Package actor implements the Chat Actor: a per-conversation state
// machine that drives one turn of an agentic chat at a time, streaming
// LLM output and tool results onto the event bus while persisting the
// canonical record to the Store.
package actor

// State is the lifecycle state of a ChatActor. The string values match
// store.SessionStatus exactly (duplicated there, not imported, so that
// store has no dependency on this package) so a persisted session's
// status casts directly: store.SessionStatus(st).
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateError     State = "error"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether s accepts no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateError, StateCancelled, StateCompleted:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the event kind ev is valid from s,
// independent of the target it produces (the target itself lives in
// the transition table in machine.go). This mirrors the original
// state machine's can_transition_to, which is the ground truth over
// its own out-of-date doc comment: Idle accepts Pause as well as
// ProcessInteraction, not just the latter.
func (s State) CanTransitionTo(ev EventKind) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StateIdle:
		switch ev {
		case EventProcessInteraction, EventPause, EventCancel, EventInactivityTimeout:
			return true
		}
	case StateRunning:
		switch ev {
		case EventPause, EventCancel, EventInteractionCompleteRecoverable, EventInteractionCompleteFatal:
			return true
		}
	case StatePaused:
		switch ev {
		case EventProcessInteraction, EventCancel, EventInactivityTimeout:
			return true
		}
	}
	return false
}
