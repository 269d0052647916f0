package outbox

import "fmt"

// State is the lifecycle state of an outbox message.
type State string

// Outbox message states.
const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateFailed     State = "failed"
)

// ParseState validates and converts a raw state as stored in the outbox table.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return s, nil
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateDispatched, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no automatic transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateDispatched || s == StateFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
//
// A pending message is either dispatched once or failed after its retry budget is spent.
// Failed messages only go back to pending through an explicit operator requeue.
// Dispatched is final.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StatePending:
		return next == StateDispatched || next == StateFailed
	case StateFailed:
		return next == StatePending
	default:
		return false
	}
}

func (s State) String() string {
	return string(s)
}
