package sandbox

import "fmt"

// State is a step of the execution lifecycle.
type State string

const (
	StatePending               State = "PENDING"
	StateRunning               State = "RUNNING"
	StateCompleted             State = "COMPLETED"
	StateTimedOut              State = "TIMED_OUT"
	StateResourceLimitExceeded State = "RESOURCE_LIMIT_EXCEEDED"
	StateCrashed               State = "CRASHED"
	StateCancelled             State = "CANCELLED"
	StateSpawnFailed           State = "SPAWN_FAILED"
	StateFinalized             State = "FINALIZED"
)

var transitions = map[State][]State{
	StatePending:               {StateRunning, StateSpawnFailed, StateCancelled},
	StateRunning:               {StateCompleted, StateTimedOut, StateResourceLimitExceeded, StateCrashed, StateCancelled},
	StateCompleted:             {StateFinalized},
	StateTimedOut:              {StateFinalized},
	StateResourceLimitExceeded: {StateFinalized},
	StateCrashed:               {StateFinalized},
	StateCancelled:             {StateFinalized},
	StateSpawnFailed:           {StateFinalized},
}

// Terminal reports whether s is an outcome state, the one reached right
// before FINALIZED.
func (s State) Terminal() bool {
	next := transitions[s]
	return len(next) == 1 && next[0] == StateFinalized
}

// machine records the path an execution takes and refuses illegal moves.
type machine struct {
	current State
	history []State
}

func newMachine() *machine {
	return &machine{current: StatePending, history: []State{StatePending}}
}

func (m *machine) to(next State) error {
	for _, allowed := range transitions[m.current] {
		if allowed == next {
			m.current = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.current, next)
}
