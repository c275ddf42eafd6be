package chat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFSMTransitions(t *testing.T) {
	fsm := NewRunFSM(nil)
	assert.Equal(t, StateIdle, fsm.State())

	require.NoError(t, fsm.Transition(StateAwaitingModel))
	require.NoError(t, fsm.Transition(StateStreaming))
	require.NoError(t, fsm.Transition(StateStreaming), "re-entering the current state is a no-op")
	require.NoError(t, fsm.Transition(StateExecutingTools))
	require.NoError(t, fsm.Transition(StateAwaitingModel))
	require.NoError(t, fsm.Transition(StateDone))

	assert.Error(t, fsm.Transition(StateAwaitingModel), "done is final until closed")
	assert.Equal(t, []RunState{
		StateIdle, StateAwaitingModel, StateStreaming, StateExecutingTools,
		StateAwaitingModel, StateDone,
	}, fsm.History())
}

func TestRunFSMRejectsSkippingModel(t *testing.T) {
	fsm := NewRunFSM(nil)
	assert.Error(t, fsm.Transition(StateExecutingTools))
	assert.Error(t, fsm.Transition(StateDone))
	assert.Equal(t, StateIdle, fsm.State())
}

func TestRunFSMCloseRunsCleanupOnce(t *testing.T) {
	calls := 0
	cleanupErr := errors.New("close failed")
	fsm := NewRunFSM(func() error {
		calls++
		return cleanupErr
	})

	require.NoError(t, fsm.Transition(StateAwaitingModel))
	assert.ErrorIs(t, fsm.Close(), cleanupErr)
	assert.ErrorIs(t, fsm.Close(), cleanupErr)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, fsm.State())
	assert.Error(t, fsm.Transition(StateAwaitingModel))
}

func TestRunFSMCloseFromAnyState(t *testing.T) {
	for _, state := range []RunState{StateIdle, StateAwaitingModel, StateStreaming, StateExecutingTools, StateDone} {
		t.Run(string(state), func(t *testing.T) {
			closed := 0
			fsm := NewRunFSM(func() error { closed++; return nil })
			fsm.state = state
			require.NoError(t, fsm.Close())
			assert.Equal(t, 1, closed)
		})
	}
}
