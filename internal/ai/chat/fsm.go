package chat

import (
	"fmt"
	"sync"
)

// RunState is a step of a single orchestration run.
type RunState string

const (
	StateIdle           RunState = "idle"
	StateAwaitingModel  RunState = "awaiting_model"
	StateStreaming      RunState = "streaming"
	StateExecutingTools RunState = "executing_tools"
	StateDone           RunState = "done"
	StateClosed         RunState = "closed"
)

var runTransitions = map[RunState][]RunState{
	StateIdle:           {StateAwaitingModel},
	StateAwaitingModel:  {StateStreaming, StateExecutingTools, StateDone},
	StateStreaming:      {StateExecutingTools, StateDone},
	StateExecutingTools: {StateAwaitingModel},
	StateDone:           {},
}

// RunFSM tracks the state of one run. Every state may move to Closed, and
// reaching Closed runs the cleanup function exactly once.
type RunFSM struct {
	mu      sync.Mutex
	state   RunState
	history []RunState
	cleanup func() error

	closeOnce sync.Once
	closeErr  error
}

// NewRunFSM creates an FSM in the Idle state.
func NewRunFSM(cleanup func() error) *RunFSM {
	return &RunFSM{
		state:   StateIdle,
		history: []RunState{StateIdle},
		cleanup: cleanup,
	}
}

// State returns the current state.
func (f *RunFSM) State() RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// History returns every state visited, in order.
func (f *RunFSM) History() []RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RunState, len(f.history))
	copy(out, f.history)
	return out
}

// Transition moves to the given state. Staying in the current state is a
// no-op. Use Close to reach StateClosed.
func (f *RunFSM) Transition(to RunState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == to {
		return nil
	}
	if f.state == StateClosed {
		return fmt.Errorf("run already closed, cannot enter %s", to)
	}
	for _, allowed := range runTransitions[f.state] {
		if allowed == to {
			f.state = to
			f.history = append(f.history, to)
			return nil
		}
	}
	return fmt.Errorf("invalid run transition %s -> %s", f.state, to)
}

// Close moves to StateClosed and runs cleanup once. Later calls return the
// first cleanup result.
func (f *RunFSM) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.state = StateClosed
		f.history = append(f.history, StateClosed)
		f.mu.Unlock()

		if f.cleanup != nil {
			f.closeErr = f.cleanup()
		}
	})
	return f.closeErr
}
