package core

import "time"

// ConnectionState is the lifecycle state of a protocol handler.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateDisconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// CanTransition reports whether the handler may move from one state to
// another. Disconnecting is reachable from every state so teardown always
// works; Disconnected is only entered through Disconnecting or from a
// failed connect.
func CanTransition(from, to ConnectionState) bool {
	if to == StateDisconnecting {
		return from != StateDisconnected
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateHandshaking || to == StateError || to == StateDisconnected
	case StateHandshaking:
		return to == StateConnected || to == StateError
	case StateConnected:
		return to == StateError
	case StateDisconnecting:
		return to == StateDisconnected
	case StateError:
		return to == StateDisconnected
	}
	return false
}

// StateEvent is published on every state change.
type StateEvent struct {
	State ConnectionState
	Prev  ConnectionState
	// Err is set when State is StateError.
	Err error
	At  time.Time
}
