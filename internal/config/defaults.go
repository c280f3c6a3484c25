package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID         = "hubmux"
	DefaultHubName            = "messages"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultInvokeTimeout      = 30 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultPongTimeout        = 45 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultBufferSize         = 64
	DefaultQueueSize          = 1024
	DefaultHealthPort         = 8080
	DefaultHealthPath         = "/health"
	DefaultDevHubAddr         = ":5000"
	DefaultDevHubPath         = "/signalr"
	DefaultDevHubMaxAge       = 5 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Hub defaults
	if c.Hub.Name == "" {
		c.Hub.Name = DefaultHubName
	}
	if c.Hub.HandshakeTimeout == 0 {
		c.Hub.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Hub.WriteTimeout == 0 {
		c.Hub.WriteTimeout = DefaultWriteTimeout
	}
	if c.Hub.InvokeTimeout == 0 {
		c.Hub.InvokeTimeout = DefaultInvokeTimeout
	}
	if c.Hub.PingInterval == 0 {
		c.Hub.PingInterval = DefaultPingInterval
	}
	if c.Hub.PongTimeout == 0 {
		c.Hub.PongTimeout = DefaultPongTimeout
	}
	if c.Hub.ReconnectBaseDelay == 0 {
		c.Hub.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Hub.ReconnectMaxDelay == 0 {
		c.Hub.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Broker defaults
	if c.Broker.BufferSize == 0 {
		c.Broker.BufferSize = DefaultBufferSize
	}
	if c.Broker.QueueSize == 0 {
		c.Broker.QueueSize = DefaultQueueSize
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}

	// Dev hub defaults
	if c.DevHub.Addr == "" {
		c.DevHub.Addr = DefaultDevHubAddr
	}
	if c.DevHub.Path == "" {
		c.DevHub.Path = DefaultDevHubPath
	}
	if c.DevHub.MaxAge == 0 {
		c.DevHub.MaxAge = DefaultDevHubMaxAge
	}
}
