// Package client maintains a peer's single outbound link to the relay (or a
// direct peer) and the connection state machine driving it.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is one phase of the client link lifecycle.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateError
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ErrInvalidState is returned when a requested transition is not in the
// legal table.
var ErrInvalidState = errors.New("client: invalid state transition")

// validTransitions is the fixed legal-transition table. Error is terminal
// until an explicit reset.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateBackoff},
	StateConnected:    {StateDisconnected, StateBackoff},
	StateBackoff:      {StateConnecting, StateError},
	StateError:        {},
}

// StateCallback observes a committed transition. Callbacks run synchronously
// in the goroutine performing the transition, in registration order.
type StateCallback func(old, new State)

// StateMachine validates and applies link state transitions.
type StateMachine struct {
	mu        sync.Mutex
	state     State
	callbacks []StateCallback
}

// NewStateMachine starts in Disconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// OnChange registers a callback for committed transitions. Delivery order is
// registration order; a panicking callback does not block later subscribers.
func (sm *StateMachine) OnChange(cb StateCallback) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.callbacks = append(sm.callbacks, cb)
}

// IsValidTransition reports whether from→to is in the legal table.
func IsValidTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves to the requested state, rejecting moves not in the legal
// table with ErrInvalidState instead of silently coercing them.
func (sm *StateMachine) Transition(to State) error {
	sm.mu.Lock()
	from := sm.state
	if !IsValidTransition(from, to) {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	sm.state = to
	callbacks := make([]StateCallback, len(sm.callbacks))
	copy(callbacks, sm.callbacks)
	sm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Transition",
		"from":     from.String(),
		"to":       to.String(),
	}).Debug("Connection state changed")

	sm.notify(callbacks, from, to)
	return nil
}

// ForceState applies a transition without validation. Administrative escape
// hatch only; the bypass is always logged.
func (sm *StateMachine) ForceState(to State) {
	sm.mu.Lock()
	from := sm.state
	sm.state = to
	callbacks := make([]StateCallback, len(sm.callbacks))
	copy(callbacks, sm.callbacks)
	sm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ForceState",
		"from":     from.String(),
		"to":       to.String(),
	}).Warn("State forced, transition validation bypassed")

	sm.notify(callbacks, from, to)
}

// Reset returns the machine to Disconnected from any state. It clears a
// terminal Error so reconnection can be attempted, and serves explicit
// teardown from Connecting or Backoff.
func (sm *StateMachine) Reset() {
	sm.mu.Lock()
	from := sm.state
	sm.state = StateDisconnected
	callbacks := make([]StateCallback, len(sm.callbacks))
	copy(callbacks, sm.callbacks)
	sm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Reset",
		"from":     from.String(),
	}).Info("Connection state machine reset")

	sm.notify(callbacks, from, StateDisconnected)
}

func (sm *StateMachine) notify(callbacks []StateCallback, from, to State) {
	if from == to {
		return
	}
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithFields(logrus.Fields{
						"function": "notify",
						"panic":    fmt.Sprint(r),
					}).Error("State callback panicked")
				}
			}()
			cb(from, to)
		}()
	}
}
