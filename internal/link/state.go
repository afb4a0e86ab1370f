package link

import (
	"fmt"

	"github.com/google/uuid"
)

// State is the connection state of one managed peripheral
type State int

const (
	Disconnected State = iota
	Scanning
	Connecting
	Discovering
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Discovering:
		return "discovering"
	case Connected:
		return "connected"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// InFlight reports whether a connection attempt is running
func (s State) InFlight() bool {
	return s == Scanning || s == Connecting || s == Discovering
}

// StateChange is published on every transition
type StateChange struct {
	Role    string
	From    State
	To      State
	Device  string
	Session uuid.UUID
	Err     error
}
