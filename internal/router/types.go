package router

import (
	"github.com/rickgao/hubmux/internal/model"
	"github.com/rickgao/hubmux/internal/stream"
)

// Config holds configuration for the event router.
type Config struct {
	QueueSize int // Initial inbound queue capacity. Default: 1024

	// Dispatch runs each delivery on the consumer's execution context. It
	// must run functions in submission order. Nil delivers on the route
	// goroutine.
	Dispatch func(func())
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize: 1024,
	}
}

// Target receives routed events. Deliver reports false when no
// subscription exists for channel.
type Target interface {
	Deliver(channel string, ev model.ChannelEvent) bool
}

// Stats contains runtime statistics.
type Stats struct {
	Received     int64 // Events accepted by Enqueue
	Routed       int64 // Events delivered to a subscription
	Dropped      int64 // Events for unregistered channels
	DecodeErrors int64 // Payloads that did not match the event envelope
	Queue        stream.BufferStats
}

// inbound is one queued (channel, payload) pair.
type inbound struct {
	channel string
	payload []byte
}
