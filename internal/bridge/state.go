package bridge

import "github.com/hadefuwa/rpi-dobot-sub000/internal/adapter"

// State is an alias for the Adapter's BridgeState so both packages share one
// enumeration without importing each other's package for it.
type State = adapter.BridgeState

const (
	Stopped = adapter.StateStopped
	Running = adapter.StateRunning
	Halted  = adapter.StateHalted
)

// fsm is the Bridge-level state machine: Stopped -> Running -> Halted ->
// Stopped, generalized from the teacher's robot.FSM shape (a currentState
// field plus a map[State][]State transition table) down to the three states
// and externally-triggered transitions this component names.
type fsm struct {
	current     State
	transitions map[State][]State
}

func newFSM(initial State) *fsm {
	return &fsm{
		current: initial,
		transitions: map[State][]State{
			Stopped: {Running},
			Running: {Stopped, Halted},
			Halted:  {Running, Stopped},
		},
	}
}

func (f *fsm) canTransitionTo(target State) bool {
	for _, s := range f.transitions[f.current] {
		if s == target {
			return true
		}
	}
	return false
}

func (f *fsm) transitionTo(target State) bool {
	if !f.canTransitionTo(target) {
		return false
	}
	f.current = target
	return true
}

// force moves the fsm directly to a state, bypassing the transition table.
// Used only for the error-threshold Running->Halted transition, which is
// triggered internally by the tick loop rather than an external command but
// still follows the same table (Running->Halted is already a legal edge).
func (f *fsm) force(target State) {
	f.current = target
}
