package channelsocket

import "fmt"

// State is the connection lifecycle state of a Socket.
type State int32

const (
	// StateIdle is a Socket that has not been connected yet.
	StateIdle State = iota
	StateConnecting
	StateOpen
	// StateClosed is terminal and reached only through Close.
	StateClosed
	// StateFailed is terminal: the connection was lost or could not be made
	// and no further redial will happen.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Event is delivered to watchers on every state change and when the
// handshake completes.
type Event struct {
	State    State
	Verified bool
	Err      error
}
