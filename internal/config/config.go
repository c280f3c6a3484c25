package config

import "time"

// Config is the root configuration for hubmux commands.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Hub      HubConfig      `yaml:"hub"`
	Broker   BrokerConfig   `yaml:"broker"`
	Channels []string       `yaml:"channels"`
	Health   HealthConfig   `yaml:"health"`
	DevHub   DevHubConfig   `yaml:"devhub"`
}

// InstanceConfig identifies this process in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// HubConfig holds the hub connection settings.
type HubConfig struct {
	URL                  string        `yaml:"url"`
	Name                 string        `yaml:"name"`
	KeyID                string        `yaml:"key_id"`           // Handshake signing key id (optional)
	PrivateKeyPath       string        `yaml:"private_key_path"` // Path to RSA private key PEM file
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	InvokeTimeout        time.Duration `yaml:"invoke_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = retry forever
}

// BrokerConfig holds channel broker settings.
type BrokerConfig struct {
	RejoinOnReconnect bool          `yaml:"rejoin_on_reconnect"`
	JoinTimeout       time.Duration `yaml:"join_timeout"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	BufferSize        int           `yaml:"buffer_size"` // Per-subscriber queue
	QueueSize         int           `yaml:"queue_size"`  // Inbound router queue
}

// HealthConfig holds the health endpoint settings. A negative port disables it.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// DevHubConfig holds settings for the development hub server.
type DevHubConfig struct {
	Addr       string            `yaml:"addr"`
	Path       string            `yaml:"path"`
	PublicKeys map[string]string `yaml:"public_keys"` // key id -> PEM path; empty = no handshake auth
	MaxAge     time.Duration     `yaml:"max_age"`     // Max handshake signature age
}
