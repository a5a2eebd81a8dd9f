// Package lifecycle holds the service state machine and the periodic
// retention task, scheduled with github.com/robfig/cron/v3.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/logging"
)

// State is one of the lifecycle states
type State string

const (
	StateIdle        State = "idle"
	StateLaunching   State = "launching"
	StateReady       State = "ready"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StatePausing     State = "pausing"
	StatePaused      State = "paused"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
	StateError       State = "error"
)

// Event drives a lifecycle transition.
type Event string

const (
	EventLaunch    Event = "launch"
	EventReady     Event = "ready"
	EventStart     Event = "start"
	EventRun       Event = "run"
	EventSleep     Event = "sleep"
	EventPaused    Event = "paused"
	EventWake      Event = "wake"
	EventTerminate Event = "terminate"
	EventTerminated Event = "terminated"
	EventFail      Event = "fail"
)

// transitions is the total function (state, event) -> state
// Entries absent here are disallowed: the event is a no-op with a warning
// (lenient), except where noted strict below.
var transitions = map[State]map[Event]State{
	StateIdle:        {EventLaunch: StateLaunching},
	StateLaunching:   {EventReady: StateReady},
	StateReady:       {EventStart: StateStarting},
	StateStarting:    {EventRun: StateRunning},
	StateRunning:     {EventSleep: StatePausing},
	StatePausing:     {EventPaused: StatePaused},
	StatePaused:      {EventWake: StateRunning},
	StateTerminating: {EventTerminated: StateTerminated},
}

// strictEvents are never swallowed: an invalid Start transition is surfaced,
// ("strict for start; lenient for sleep/wake").
var strictEvents = map[Event]bool{
	EventStart: true,
}

// Machine is a mutex-serialized lifecycle state holder.
type Machine struct {
	mu    sync.Mutex
	state State
	cause error
}

// New constructs a Machine starting in StateIdle.
func New() *Machine {
	return &Machine{state: StateIdle}
}

// Current returns the current state (and, if StateError, the cause).
func (m *Machine) Current() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.cause
}

// Fire applies event to the machine's current state. Terminate can be
// fired from any state other than terminated and error (it short-circuits
// whatever was in flight, so shutdown can always reach terminating);
// Terminated is accepted only from terminating.
func (m *Machine) Fire(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event == EventTerminate && m.state != StateTerminated && m.state != StateError {
		m.state = StateTerminating
		return nil
	}
	if event == EventFail {
		m.state = StateError
		return nil
	}

	next, ok := transitions[m.state][event]
	if !ok {
		err := apperr.New(apperr.InvalidStateTransition, "lifecycle", "Fire",
			fmt.Errorf("event %q invalid in state %q", event, m.state))
		if strictEvents[event] {
			return err
		}
		logging.New("lifecycle").Warn("ignoring disallowed lifecycle event", "state", m.state, "event", event)
		return nil
	}
	m.state = next
	return nil
}

// SetError transitions unconditionally into the absorbing error(cause)
// state.
func (m *Machine) SetError(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateError
	m.cause = cause
}
