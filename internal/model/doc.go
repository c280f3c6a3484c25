// Package model defines the data types shared between the transport, the
// router and the channel broker.
//
// Conventions:
//   - Channel names are matched by exact string comparison
//   - Timestamps: time.Time in UTC, RFC 3339 on the wire
//   - Event payloads stay opaque (json.RawMessage) end to end
package model
