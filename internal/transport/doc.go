// Package transport implements the hub connection.
//
// The Hub transport:
//   - Maintains one WebSocket connection to a named hub
//   - Correlates invocations with completions by id
//   - Keeps the socket alive with pings and detects stale peers
//   - Reconnects with exponential backoff, reporting raw state changes
//   - Hands server-pushed onEvent frames to the registered receive hook
package transport
