package connection

import "time"

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Transition is published on every state change.
type Transition struct {
	From   State
	To     State
	ConnID string
	// Requested is set when the change comes from an explicit Disconnect.
	Requested bool
	Err       error
}

// Stats is a point-in-time view of the manager counters.
type Stats struct {
	State             State
	ConnID            string
	ReconnectAttempts int
	EventsSent        uint64
	EventsReceived    uint64
	LastActivity      time.Time
}

func (s Stats) Connected() bool { return s.State == Connected }
