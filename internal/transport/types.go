package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyStarted  = errors.New("transport already started")
	ErrClosed          = errors.New("transport closed")
	ErrTimeout         = errors.New("invocation timeout")
	ErrConnectionLost  = errors.New("connection lost")
	ErrStaleConnection = errors.New("connection stale (no pong)")
)

// RemoteError is a failed invocation reported by the hub.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

// State is the raw connection state reported by a transport. The numeric
// values follow the SignalR client so that foreign transports can be
// adapted without a lookup table.
type State int

const (
	StateConnecting   State = 0
	StateConnected    State = 1
	StateReconnecting State = 2
	StateDisconnected State = 4
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange is delivered to state-change handlers.
type StateChange struct {
	Old State
	New State
}

// Frame types on the wire.
const (
	FrameInvoke     = "invoke"
	FrameCompletion = "completion"
	FrameEvent      = "event"
)

// EventMethod is the client method the hub calls to push channel events.
const EventMethod = "onEvent"

// Frame is the JSON envelope exchanged with the hub.
//
//	client -> hub: {"type":"invoke","id":7,"hub":"messages","method":"Subscribe","args":["alerts"]}
//	hub -> client: {"type":"completion","id":7}
//	hub -> client: {"type":"event","hub":"messages","method":"onEvent","args":["alerts",{...}]}
type Frame struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id,omitempty"`
	Hub    string            `json:"hub,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Config configures a Hub transport.
type Config struct {
	URL     string // WebSocket endpoint (e.g., ws://localhost:5000/signalr)
	HubName string // Named remote-procedure group

	Signer HandshakeSigner // Optional handshake signing (nil = no auth)

	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	InvokeTimeout        time.Duration // 0 = rely on the caller's context only
	PingInterval         time.Duration
	PongTimeout          time.Duration // Max time without a pong before the socket is considered stale
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 = retry forever
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HubName:            "messages",
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       5 * time.Second,
		InvokeTimeout:      30 * time.Second,
		PingInterval:       15 * time.Second,
		PongTimeout:        45 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}

// HandshakeSigner produces authentication headers for the websocket upgrade.
type HandshakeSigner interface {
	SignHandshake(path string) (map[string]string, error)
}
