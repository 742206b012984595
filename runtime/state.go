package runtime

import (
	"fmt"
	"sync"
)

// State is one lifecycle state of the runtime shell.
type State string

const (
	// StateInitializing covers registration and subscription setup.
	StateInitializing State = "INITIALIZING"
	// StateReady means the shell is idle and consuming.
	StateReady State = "READY"
	// StateProcessing means at least one task is in flight.
	StateProcessing State = "PROCESSING"
	// StateReflecting means a completed result is being revised before publish.
	StateReflecting State = "REFLECTING"
	// StateRetry means a transient failure is backing off before re-execution.
	StateRetry State = "RETRY"
	// StateError means the current task failed terminally; the shell recovers
	// to READY after publishing the failure.
	StateError State = "ERROR"
	// StateDraining means shutdown has begun; in-flight tasks finish, no new
	// tasks are accepted.
	StateDraining State = "DRAINING"
	// StateStopped is terminal.
	StateStopped State = "STOPPED"
)

// transitions is the closed set of legal state changes.
var transitions = map[State][]State{
	StateInitializing: {StateReady, StateError, StateStopped},
	StateReady:        {StateProcessing, StateDraining, StateStopped},
	StateProcessing:   {StateReflecting, StateRetry, StateError, StateReady, StateDraining},
	StateReflecting:   {StateProcessing, StateError, StateDraining},
	StateRetry:        {StateProcessing, StateError, StateDraining},
	StateError:        {StateReady, StateDraining, StateStopped},
	StateDraining:     {StateStopped},
	StateStopped:      {},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is a small validated state holder. Illegal transitions are
// programming errors and are rejected, never applied.
type Machine struct {
	mu      sync.Mutex
	current State
	// OnTransition, when set, observes applied transitions. Called without
	// the machine lock held.
	OnTransition func(from, to State)
}

// NewMachine creates a machine in the INITIALIZING state.
func NewMachine() *Machine {
	return &Machine{current: StateInitializing}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// To applies a transition or fails with a descriptive error.
func (m *Machine) To(target State) error {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, target) {
		m.mu.Unlock()
		return fmt.Errorf("illegal state transition %s -> %s", from, target)
	}
	m.current = target
	hook := m.OnTransition
	m.mu.Unlock()

	if hook != nil {
		hook(from, target)
	}
	return nil
}

// ToIfCurrent applies a transition only when the machine is still in from,
// reporting whether it was applied. Used where concurrent tasks race to move
// the shell between READY and PROCESSING.
func (m *Machine) ToIfCurrent(from, target State) bool {
	m.mu.Lock()
	if m.current != from || !CanTransition(from, target) {
		m.mu.Unlock()
		return false
	}
	m.current = target
	hook := m.OnTransition
	m.mu.Unlock()

	if hook != nil {
		hook(from, target)
	}
	return true
}
