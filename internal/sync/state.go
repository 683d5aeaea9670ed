package sync

import (
	"fmt"
	"slices"
	"sync"
)

// State represents a message thread's loading state.
type State string

const (
	Idle        State = "IDLE"
	Loading     State = "LOADING"
	Ready       State = "READY"
	LoadingMore State = "LOADING_MORE"
	Failed      State = "ERROR"
)

// validTransitions defines allowed state transitions. Closing a thread
// returns to Idle from anywhere; a failed load is retried by reopening.
var validTransitions = map[State][]State{
	Idle:        {Loading},
	Loading:     {Ready, Failed, Idle},
	Ready:       {LoadingMore, Failed, Idle},
	LoadingMore: {Ready, Failed, Idle},
	Failed:      {Loading, Idle},
}

// Machine tracks and enforces thread state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
}

// NewMachine creates a state machine starting in Idle.
func NewMachine() *Machine {
	return &Machine{current: Idle}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error and leaves
// the state unchanged if the transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.current = to
	return nil
}
