// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// so secrets such as key paths can stay out of the file:
//
//	hub:
//	  url: wss://hub.example.com/signalr
//	  key_id: ${HUBMUX_KEY_ID}
//	  private_key_path: ${HUBMUX_KEY_PATH}
//	channels: [alerts, orders]
package config
