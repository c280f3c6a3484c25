package broker

import (
	"fmt"
	"time"

	"github.com/rickgao/hubmux/internal/router"
	"github.com/rickgao/hubmux/internal/stream"
)

// Remote method names.
const (
	MethodSubscribe = "Subscribe"
	MethodPublish   = "Publish"
)

// Config holds configuration for the channel broker.
type Config struct {
	// RejoinOnReconnect re-issues Subscribe for every joined channel after
	// the connection recovers from Reconnecting. Off by default.
	RejoinOnReconnect bool

	JoinTimeout    time.Duration // 0 = transport's invoke timeout
	PublishTimeout time.Duration // 0 = transport's invoke timeout
	BufferSize     int           // Initial per-subscriber queue capacity

	Router router.Config
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize: stream.DefaultBufferSize,
		Router:     router.DefaultConfig(),
	}
}

// JoinState is the server-side join progress of one channel.
type JoinState int

const (
	Unjoined JoinState = iota
	JoinRequested
	Joined
	Failed
)

func (s JoinState) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case JoinRequested:
		return "join_requested"
	case Joined:
		return "joined"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("JoinState(%d)", int(s))
	}
}

// JoinError terminates a channel's stream when readiness or the remote
// Subscribe call fails.
type JoinError struct {
	Channel string
	Err     error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join channel %q: %v", e.Channel, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// ChannelInfo describes one registry entry.
type ChannelInfo struct {
	Name        string
	State       JoinState
	Err         error
	Subscribers int
	JoinedAt    time.Time
}

// Stats contains runtime statistics.
type Stats struct {
	Channels        int
	Joined          int
	Failed          int
	Joins           int64
	JoinFailures    int64
	Rejoins         int64
	Publishes       int64
	PublishFailures int64
	Router          router.Stats
}
