// Package router moves inbound (channel, payload) pairs from transport
// callbacks onto a single ordered delivery goroutine.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/hubmux/internal/model"
	"github.com/rickgao/hubmux/internal/stream"
)

// Router decodes inbound events and hands them to a Target in arrival order.
type Router struct {
	cfg    Config
	logger *slog.Logger
	target Target

	queue *stream.Buffer[inbound]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats (atomic)
	received     int64
	routed       int64
	dropped      int64
	decodeErrors int64
}

// New creates a router delivering to target.
func New(cfg Config, target Target, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Router{
		cfg:    cfg,
		logger: logger.With("component", "router"),
		target: target,
		queue:  stream.NewBuffer[inbound](cfg.QueueSize),
	}
}

// Start begins routing. Cancelling ctx does not stop the route loop; it
// runs until Stop so that accepted events are always delivered.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("event router started", "queue_size", r.cfg.QueueSize)
	return nil
}

// Stop closes the queue and waits for queued events to be routed.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	r.queue.Close(nil)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out", "queued", r.queue.Len())
	}

	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Enqueue accepts an inbound event. It never blocks and is safe from any
// goroutine; it reports false once the router is stopped.
func (r *Router) Enqueue(channel string, payload json.RawMessage) bool {
	if !r.queue.Send(inbound{channel: channel, payload: payload}) {
		return false
	}
	atomic.AddInt64(&r.received, 1)
	return true
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Received:     atomic.LoadInt64(&r.received),
		Routed:       atomic.LoadInt64(&r.routed),
		Dropped:      atomic.LoadInt64(&r.dropped),
		DecodeErrors: atomic.LoadInt64(&r.decodeErrors),
		Queue:        r.queue.Stats(),
	}
}

// routeLoop is the main routing goroutine.
func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		item, ok := r.queue.Receive(r.ctx)
		if !ok {
			return
		}
		r.route(item)
	}
}

// route decodes and delivers a single event.
func (r *Router) route(item inbound) {
	ev, err := model.DecodeChannelEvent(item.payload)
	if err != nil {
		// Payload stays opaque; consumers still get Raw.
		atomic.AddInt64(&r.decodeErrors, 1)
		r.logger.Debug("payload is not an event envelope", "channel", item.channel, "error", err)
	}

	deliver := func() {
		if r.target.Deliver(item.channel, ev) {
			atomic.AddInt64(&r.routed, 1)
			return
		}
		atomic.AddInt64(&r.dropped, 1)
	}

	if r.cfg.Dispatch != nil {
		r.cfg.Dispatch(deliver)
		return
	}
	deliver()
}
