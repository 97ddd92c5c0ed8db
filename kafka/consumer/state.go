// kafka/consumer/state.go
package consumer

import "fmt"

// State is the lifecycle state of a Consumer.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateRunning
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

var transitions = map[State][]State{
	StateCreated:    {StateConnecting, StateRunning, StateClosed},
	StateConnecting: {StateRunning, StateCreated, StateClosing, StateFailed},
	StateRunning:    {StateClosing, StateFailed},
	StateClosing:    {StateClosed},
}

// CanTransition reports whether from→to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
