package broker

import (
	"context"
	"sync"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateOffline
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateOffline},
	StateConnected:    {StateOffline},
	StateOffline:      {StateReconnecting},
	StateReconnecting: {StateConnected, StateOffline},
}

// CanTransition reports whether the session may move from one state to
// another. Closed is reachable from every state and left by none.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type stateMachine struct {
	mu       sync.Mutex
	state    State
	changed  chan struct{}
	onChange func(from, to State)
}

func newStateMachine(onChange func(from, to State)) *stateMachine {
	return &stateMachine{
		state:    StateDisconnected,
		changed:  make(chan struct{}),
		onChange: onChange,
	}
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to the target state when the move is legal and reports
// whether it happened. The change callback runs outside the lock.
func (m *stateMachine) transition(to State) bool {
	m.mu.Lock()
	from := m.state
	if from == to || !CanTransition(from, to) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return true
}

// waitFor blocks until the session reaches want, the session closes or ctx ends.
func (m *stateMachine) waitFor(ctx context.Context, want State) error {
	for {
		m.mu.Lock()
		state := m.state
		changed := m.changed
		m.mu.Unlock()

		if state == want {
			return nil
		}
		if state == StateClosed {
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
