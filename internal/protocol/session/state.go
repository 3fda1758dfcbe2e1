package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	// StateFailed is terminal: the raw socket never connected.
	StateFailed
)

var (
	ErrInvalidState      = errors.New("session: INVALID_STATE_ERR")
	ErrInvalidTransition = errors.New("session: invalid state transition")
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var transitions = map[State][]State{
	StateConnecting: {StateOpen, StateClosing, StateClosed, StateFailed},
	StateOpen:       {StateClosing, StateClosed},
	StateClosing:    {StateClosed},
	// a closed stream connection may start a fresh attempt
	StateClosed: {StateConnecting},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine guards the lifecycle state of one connection.
type StateMachine struct {
	mu       sync.RWMutex
	state    State
	onChange func(from, to State)
}

// NewStateMachine starts in StateConnecting. onChange, when set, runs after
// every accepted transition, outside the lock.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	return &StateMachine{state: StateConnecting, onChange: onChange}
}

func (m *StateMachine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to the target state if the edge is legal.
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// TransitionFrom moves to the target state only when the current state is
// one of from. It reports whether the move happened.
func (m *StateMachine) TransitionFrom(to State, from ...State) bool {
	m.mu.Lock()
	cur := m.state
	match := false
	for _, s := range from {
		if s == cur {
			match = true
			break
		}
	}
	if !match || !CanTransition(cur, to) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(cur, to)
	}
	return true
}

// RequireOpen returns ErrInvalidState unless the connection is OPEN.
func (m *StateMachine) RequireOpen() error {
	if cur := m.Current(); cur != StateOpen {
		return fmt.Errorf("%w: state=%s", ErrInvalidState, cur)
	}
	return nil
}
