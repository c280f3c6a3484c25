package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the client sections (instance, hub, broker, channels,
// health).
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Hub.validate("hub"); err != nil {
		return err
	}

	if c.Broker.BufferSize < 1 {
		return errors.New("broker.buffer_size must be >= 1")
	}
	if c.Broker.QueueSize < 1 {
		return errors.New("broker.queue_size must be >= 1")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("channels[%d] is empty", i)
		}
		if seen[ch] {
			return fmt.Errorf("channels[%d] duplicates %q", i, ch)
		}
		seen[ch] = true
	}

	if c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be <= 65535, got %d", c.Health.Port)
	}

	return nil
}

// ValidateDevHub checks the devhub section.
func (c *Config) ValidateDevHub() error {
	if c.DevHub.Addr == "" {
		return errors.New("devhub.addr is required")
	}
	if !strings.HasPrefix(c.DevHub.Path, "/") {
		return fmt.Errorf("devhub.path must start with /, got %q", c.DevHub.Path)
	}
	for keyID, path := range c.DevHub.PublicKeys {
		if path == "" {
			return fmt.Errorf("devhub.public_keys.%s is empty", keyID)
		}
	}
	return nil
}

func (h *HubConfig) validate(prefix string) error {
	if h.URL == "" {
		return fmt.Errorf("%s.url is required", prefix)
	}
	u, err := url.Parse(h.URL)
	if err != nil {
		return fmt.Errorf("%s.url: %w", prefix, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s.url scheme must be ws or wss, got %q", prefix, u.Scheme)
	}
	if h.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if h.KeyID != "" && h.PrivateKeyPath == "" {
		return fmt.Errorf("%s.private_key_path is required when %s.key_id is set", prefix, prefix)
	}
	if h.ReconnectMaxDelay < h.ReconnectBaseDelay {
		return fmt.Errorf("%s.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			prefix, h.ReconnectMaxDelay, h.ReconnectBaseDelay)
	}
	if h.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%s.max_reconnect_attempts must be >= 0", prefix)
	}
	return nil
}
