package actor

import (
	"fmt"
	"time"
)

// maxEventLog bounds the in-memory transition log, matching the
// original state machine's ring-buffer cap so a long-lived actor
// never accumulates unbounded history.
const maxEventLog = 100

// transitionTable lists, for every (state, event) pair that
// State.CanTransitionTo allows, the state it lands in. Pairs absent
// from both the table and CanTransitionTo are invalid transitions.
var transitionTable = map[State]map[EventKind]State{
	StateIdle: {
		EventProcessInteraction: StateRunning,
		EventPause:              StatePaused,
		EventCancel:             StateCancelled,
		EventInactivityTimeout:  StateCompleted,
	},
	StateRunning: {
		EventPause:                          StatePaused,
		EventCancel:                         StateCancelled,
		EventInteractionCompleteRecoverable: StateIdle,
		EventInteractionCompleteFatal:       StateError,
	},
	StatePaused: {
		EventProcessInteraction: StateIdle,
		EventCancel:             StateCancelled,
		EventInactivityTimeout:  StateCompleted,
	},
}

// TransitionError reports a rejected event: either the machine was
// already in a terminal state, or From has no transition registered
// for Event.
type TransitionError struct {
	From     State
	Event    EventKind
	Terminal bool
}

func (e *TransitionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("actor: %s is a terminal state, rejecting %s", e.From, e.Event)
	}
	return fmt.Sprintf("actor: invalid transition %s -> %s", e.From, e.Event)
}

// loggedTransition is one entry of a StateMachine's transition log.
type loggedTransition struct {
	From  State
	Event EventKind
	To    State
	At    time.Time
}

// StateMachine drives a single actor's lifecycle state. It is not safe
// for concurrent use — exactly one goroutine (the actor's run loop)
// must own it.
type StateMachine struct {
	state State
	log   []loggedTransition
	now   func() time.Time
}

// NewStateMachine creates a machine starting at initial.
func NewStateMachine(initial State) *StateMachine {
	return &StateMachine{state: initial, now: time.Now}
}

// State returns the machine's current state.
func (m *StateMachine) State() State {
	return m.state
}

// HandleEvent validates ev against the current state, transitions if
// valid, and appends to the log. The returned bool reports whether the
// state actually changed (always true on success, since every table
// entry maps to a different state than its source). On rejection the
// machine is left unmodified and err is a *TransitionError.
func (m *StateMachine) HandleEvent(ev Event) (State, bool, error) {
	if m.state.IsTerminal() {
		return m.state, false, &TransitionError{From: m.state, Event: ev.Kind, Terminal: true}
	}
	targets, ok := transitionTable[m.state]
	if !ok {
		return m.state, false, &TransitionError{From: m.state, Event: ev.Kind}
	}
	to, ok := targets[ev.Kind]
	if !ok || !m.state.CanTransitionTo(ev.Kind) {
		return m.state, false, &TransitionError{From: m.state, Event: ev.Kind}
	}

	from := m.state
	m.state = to
	m.appendLog(loggedTransition{From: from, Event: ev.Kind, To: to, At: m.now()})
	return m.state, true, nil
}

// ForceTransition sets the state directly, bypassing the transition
// table and without logging — an escape hatch for rehydration, where
// a recovered session is reset to Idle regardless of the status it was
// persisted under.
func (m *StateMachine) ForceTransition(s State) {
	m.state = s
}

// LogSize reports the number of entries currently retained.
func (m *StateMachine) LogSize() int {
	return len(m.log)
}

// ClearLog discards the transition log.
func (m *StateMachine) ClearLog() {
	m.log = nil
}

func (m *StateMachine) appendLog(t loggedTransition) {
	m.log = append(m.log, t)
	if len(m.log) > maxEventLog {
		m.log = m.log[len(m.log)-maxEventLog:]
	}
}
