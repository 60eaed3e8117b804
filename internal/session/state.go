package session

import "sync/atomic"

// State is where a connection is in the protocol
type State int32

const (
	// StateConnecting is a raw transport with no credential yet
	StateConnecting State = iota
	// StateHandshaking is waiting for the handshake frame
	StateHandshaking
	// StateJoined is authenticated; the connection may join project rooms
	// and submit intents
	StateJoined
	// StateDisconnected is terminal
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type stateBox struct{ v atomic.Int32 }

func (b *stateBox) load() State { return State(b.v.Load()) }

// advance moves to next unless the session already moved past it. Only
// forward transitions are allowed.
func (b *stateBox) advance(next State) bool {
	for {
		cur := b.v.Load()
		if State(cur) >= next {
			return false
		}
		if b.v.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}
