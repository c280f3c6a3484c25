package transport

import (
	"context"
	"encoding/json"
)

// Transport is the capability set the lifecycle and broker need from the
// underlying connection. Handlers may be invoked from any goroutine and
// must not block.
type Transport interface {
	// Start opens the connection. It returns once the first connect attempt
	// has succeeded or failed; later drops are healed internally.
	Start(ctx context.Context) error

	// OnStateChanged registers a handler for raw state transitions.
	OnStateChanged(fn func(StateChange))

	// OnError registers a handler for non-fatal transport errors.
	OnError(fn func(error))

	// OnEvent registers the receive hook for server-pushed channel events.
	OnEvent(fn func(channel string, payload json.RawMessage))

	// Invoke calls a named remote method and waits for its completion.
	Invoke(ctx context.Context, method string, args ...any) error

	// Close tears the connection down.
	Close() error
}
