package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallStateTransitions(t *testing.T) {
	cases := []struct {
		from    CallState
		to      CallState
		allowed bool
	}{
		{StateInitiating, StateRinging, true},
		{StateInitiating, StateActive, true},
		{StateInitiating, StateFailed, true},
		{StateRinging, StateActive, true},
		{StateRinging, StateTerminated, true},
		{StateActive, StateOnHold, true},
		{StateOnHold, StateActive, true},
		{StateActive, StateTerminated, true},

		{StateRinging, StateInitiating, false},
		{StateOnHold, StateRinging, false},
		{StateTerminated, StateActive, false},
		{StateFailed, StateActive, false},
		{StateActive, StateActive, false},
	}

	for _, tc := range cases {
		got := tc.from.CanTransitionTo(tc.to)
		assert.Equal(t, tc.allowed, got, "%s -> %s", tc.from, tc.to)
	}
}

func TestCallStateTerminal(t *testing.T) {
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateTerminated.IsTerminal())
	assert.False(t, StateActive.IsTerminal())
	assert.False(t, StateOnHold.IsTerminal())
}
