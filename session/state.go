package session

import "fmt"

// State is the lifecycle state of a Session.
type State string

const (
	StateNotInitialized State = "not_initialized"
	StateInitializing   State = "initializing"
	StateInitialized    State = "initialized"
	StateStateless      State = "stateless"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// validTransitions is the directed lifecycle graph. Closed is terminal: no
// state is reachable from it.
var validTransitions = map[State][]State{
	StateNotInitialized: {StateInitializing},
	StateInitializing:   {StateInitialized, StateClosing},
	StateInitialized:    {StateClosing},
	StateStateless:      {StateClosing},
	StateClosing:        {StateClosed},
	StateClosed:         {},
}

// StateError reports an invalid lifecycle transition. It signals a bug in the
// caller, not a recoverable runtime condition.
type StateError struct {
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid session state transition: %s -> %s", e.From, e.To)
}

// transitionLocked moves the session to next if the lifecycle graph permits
// it. Callers must hold s.mu.
func (s *Session) transitionLocked(next State) error {
	for _, allowed := range validTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return &StateError{From: s.state, To: next}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
