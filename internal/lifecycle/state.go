package lifecycle

import (
	"fmt"

	"github.com/rickgao/hubmux/internal/transport"
)

// ConnectionState is the normalized connection health seen by consumers.
type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Reconnecting
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// MapState translates a raw transport state. Unrecognized values map to
// Connecting; ok is false for them so callers can report the anomaly.
func MapState(raw transport.State) (state ConnectionState, ok bool) {
	switch raw {
	case transport.StateConnecting:
		return Connecting, true
	case transport.StateConnected:
		return Connected, true
	case transport.StateReconnecting:
		return Reconnecting, true
	case transport.StateDisconnected:
		return Disconnected, true
	default:
		return Connecting, false
	}
}
