package connection

import "fmt"

// State is the lifecycle stage of a Connection. A connection only moves forward:
//
//	Disconnected → Connecting → Connected → Faulted | Disposed
//
// Reconnecting always means creating a new Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFaulted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateFaulted:
		return "Faulted"
	case StateDisposed:
		return "Disposed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
