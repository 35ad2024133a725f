package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStateMachine_SubmittedBranches(t *testing.T) {
	for _, to := range []OrderState{OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired} {
		sm := NewOrderStateMachine()
		require.NoError(t, sm.Transition(to))
		assert.Equal(t, to, sm.Current())
		assert.True(t, sm.Current().IsTerminal())
	}
}

func TestOrderStateMachine_NoReopenAfterTerminal(t *testing.T) {
	sm := NewOrderStateMachine()
	require.NoError(t, sm.Transition(OrderStateFilled))

	for _, to := range []OrderState{OrderStateCancelled, OrderStateRejected, OrderStateExpired, OrderStateSubmitted} {
		err := sm.Transition(to)
		assert.Error(t, err, "terminal order must not accept transition to %s", to)
		assert.Equal(t, OrderStateFilled, sm.Current(), "state must not change on a rejected transition")
	}
}

func TestOrderStateMachine_LateDuplicateTerminalEventIsRejected(t *testing.T) {
	sm := NewOrderStateMachine()
	require.NoError(t, sm.Transition(OrderStateCancelled))

	// A second, late "cancelled" event (e.g. polling fallback racing the
	// broker callback) must be rejected rather than silently re-applied.
	err := sm.Transition(OrderStateCancelled)
	assert.Error(t, err)
}

func TestPosition_OppositeOf(t *testing.T) {
	long := Position{Direction: DirectionOpenLong, Quantity: 1}
	assert.True(t, long.OppositeOf(SideSell))
	assert.False(t, long.OppositeOf(SideBuy))

	short := Position{Direction: DirectionOpenShort, Quantity: 1}
	assert.True(t, short.OppositeOf(SideBuy))
	assert.False(t, short.OppositeOf(SideSell))

	flat := Position{Quantity: 0}
	assert.False(t, flat.OppositeOf(SideBuy))
	assert.False(t, flat.OppositeOf(SideSell))
}
