// Package stream provides the multicast primitives the broker is built on.
//
//   - Subject/Stream: hot multicast with per-subscriber ordered queues
//   - Signal: single-shot, replayable readiness marker
//   - Buffer: unbounded FIFO used for non-blocking hand-off
package stream
