package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineInitialState(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, StateDisconnected, sm.State())
}

func TestStateMachineValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
	}{
		{"connect success", []State{StateConnecting, StateConnected, StateDisconnected}},
		{"connect failure then retry", []State{StateConnecting, StateBackoff, StateConnecting, StateConnected}},
		{"link loss while connected", []State{StateConnecting, StateConnected, StateBackoff, StateConnecting}},
		{"attempts exhausted", []State{StateConnecting, StateBackoff, StateError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, next := range tt.path {
				require.NoError(t, sm.Transition(next), "transition to %s", next)
			}
			assert.Equal(t, tt.path[len(tt.path)-1], sm.State())
		})
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from []State
		to   State
	}{
		{"disconnected to connected", nil, StateConnected},
		{"disconnected to backoff", nil, StateBackoff},
		{"connecting to disconnected", []State{StateConnecting}, StateDisconnected},
		{"backoff to disconnected", []State{StateConnecting, StateBackoff}, StateDisconnected},
		{"connected to connecting", []State{StateConnecting, StateConnected}, StateConnecting},
		{"error is terminal", []State{StateConnecting, StateBackoff, StateError}, StateConnecting},
		{"self transition", []State{StateConnecting}, StateConnecting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, s := range tt.from {
				require.NoError(t, sm.Transition(s))
			}
			before := sm.State()
			err := sm.Transition(tt.to)
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Equal(t, before, sm.State(), "rejected transition must not change state")
		})
	}
}

func TestStateMachineCallbacksRunInRegistrationOrder(t *testing.T) {
	sm := NewStateMachine()

	var order []int
	sm.OnChange(func(old, new State) { order = append(order, 1) })
	sm.OnChange(func(old, new State) { order = append(order, 2) })
	sm.OnChange(func(old, new State) { order = append(order, 3) })

	require.NoError(t, sm.Transition(StateConnecting))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestStateMachineCallbackReceivesOldAndNew(t *testing.T) {
	sm := NewStateMachine()

	var gotOld, gotNew State
	sm.OnChange(func(old, new State) {
		gotOld = old
		gotNew = new
	})

	require.NoError(t, sm.Transition(StateConnecting))
	assert.Equal(t, StateDisconnected, gotOld)
	assert.Equal(t, StateConnecting, gotNew)
}

func TestStateMachineCallbackPanicDoesNotPoisonMachine(t *testing.T) {
	sm := NewStateMachine()

	var after int
	sm.OnChange(func(old, new State) { panic("observer bug") })
	sm.OnChange(func(old, new State) { after++ })

	require.NoError(t, sm.Transition(StateConnecting))
	assert.Equal(t, 1, after, "later callbacks still run")
	require.NoError(t, sm.Transition(StateConnected))
	assert.Equal(t, StateConnected, sm.State())
}

func TestStateMachineResetClearsTerminalError(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Transition(StateConnecting))
	require.NoError(t, sm.Transition(StateBackoff))
	require.NoError(t, sm.Transition(StateError))

	assert.ErrorIs(t, sm.Transition(StateConnecting), ErrInvalidState)

	sm.Reset()
	assert.Equal(t, StateDisconnected, sm.State())
	assert.NoError(t, sm.Transition(StateConnecting))
}

func TestStateMachineForceStateBypassesValidation(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Transition(StateConnecting))

	var notified bool
	sm.OnChange(func(old, new State) { notified = true })

	sm.ForceState(StateDisconnected)
	assert.Equal(t, StateDisconnected, sm.State())
	assert.True(t, notified, "forced transitions still notify observers")
}

func TestStateStringNames(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "error", StateError.String())
}
