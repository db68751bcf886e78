package netsession

import "strconv"

// State is the lifecycle state of a Session.
type State int32

const (
	// StateDisconnected means there is no transport connection.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateAwaitingHandshake means the transport is up and the handshake
	// reply has not arrived yet.
	StateAwaitingHandshake
	// StateReady means messages are sent immediately instead of queued.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateReady:
		return "ready"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// transitions lists the valid moves between states. Any state may fall
// back to StateDisconnected.
var transitions = map[State][]State{
	StateDisconnected:      {StateConnecting},
	StateConnecting:        {StateAwaitingHandshake},
	StateAwaitingHandshake: {StateReady},
	StateReady:             {},
}

// canTransition reports whether a session may move from one state to another.
func canTransition(from, to State) bool {
	if to == StateDisconnected {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
