// Package broker multiplexes named channels over one hub connection.
//
// Each channel name maps to exactly one multicast stream for the life of
// the broker. The first Subscribe for a name registers it and defers the
// remote join until the connection's readiness signal resolves; later
// calls for the same name share the stream and never join again. Inbound
// events are routed by the channel name delivered alongside the payload.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/hubmux/internal/lifecycle"
	"github.com/rickgao/hubmux/internal/model"
	"github.com/rickgao/hubmux/internal/router"
	"github.com/rickgao/hubmux/internal/stream"
)

// Hub is the slice of the transport the broker needs.
type Hub interface {
	Invoke(ctx context.Context, method string, args ...any) error
	OnEvent(fn func(channel string, payload json.RawMessage))
}

// Readiness is the slice of the connection lifecycle the broker needs.
type Readiness interface {
	Ready() *stream.Signal
	States() *stream.Stream[lifecycle.ConnectionState]
}

// channel is one registry entry. State fields are guarded by Broker.mu.
type channel struct {
	name     string
	subject  *stream.Subject[model.ChannelEvent]
	state    JoinState
	err      error
	joinedAt time.Time
}

// Broker owns the channel registry, join coordination, routing and publish.
type Broker struct {
	cfg    Config
	logger *slog.Logger
	hub    Hub
	lc     Readiness
	router *router.Router

	mu       sync.RWMutex
	channels map[string]*channel
	stopped  bool

	// Fire-and-forget publishes, sent in call order by publishLoop.
	outbox     *stream.Buffer[model.ChannelEvent]
	senderDone chan struct{}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats (atomic)
	joins           int64
	joinFailures    int64
	rejoins         int64
	publishes       int64
	publishFailures int64
}

// New creates a broker and installs its receive hook on hub.
func New(cfg Config, hub Hub, lc Readiness, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = stream.DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Broker{
		cfg:      cfg,
		logger:   logger.With("component", "broker"),
		hub:      hub,
		lc:       lc,
		channels:   make(map[string]*channel),
		outbox:     stream.NewBuffer[model.ChannelEvent](cfg.BufferSize),
		senderDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	b.router = router.New(cfg.Router, b, logger)

	hub.OnEvent(b.HandleEvent)
	go b.publishLoop()
	return b
}

// Start begins routing inbound events. Events received earlier are queued.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	if b.cfg.RejoinOnReconnect {
		sub := b.lc.States().Subscribe()
		b.wg.Add(1)
		go b.watchReconnects(sub)
	}

	b.logger.Info("channel broker started", "rejoin_on_reconnect", b.cfg.RejoinOnReconnect)
	return nil
}

// Stop flushes queued publishes, cancels pending joins, drains the router
// and completes every channel stream that has not already failed.
func (b *Broker) Stop(ctx context.Context) error {
	b.logger.Info("stopping channel broker")

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.outbox.Close(nil)
	select {
	case <-b.senderDone:
	case <-ctx.Done():
		b.logger.Warn("publish flush timed out", "queued", b.outbox.Len())
	}

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("channel broker stop timed out")
	}

	if err := b.router.Stop(ctx); err != nil {
		return fmt.Errorf("stop router: %w", err)
	}

	b.mu.RLock()
	for _, ch := range b.channels {
		ch.subject.Complete()
	}
	b.mu.RUnlock()

	b.logger.Info("channel broker stopped")
	return nil
}

// Subscribe returns the stream for name, creating and joining it on first
// use. It never blocks; every call for the same name returns the same
// stream. A stream whose join failed stays terminated.
func (b *Broker) Subscribe(name string) *stream.Stream[model.ChannelEvent] {
	b.mu.Lock()
	if ch, ok := b.channels[name]; ok {
		b.mu.Unlock()
		return ch.subject.Stream()
	}

	ch := &channel{
		name:    name,
		subject: stream.NewSubject[model.ChannelEvent](b.cfg.BufferSize),
		state:   Unjoined,
	}
	// Registered before the join so concurrent callers reuse it.
	b.channels[name] = ch
	ready := b.lc.Ready()
	b.mu.Unlock()

	b.logger.Debug("channel registered", "channel", name)

	ready.Then(func(err error) {
		b.onReady(ch, err)
	})

	return ch.subject.Stream()
}

// Publish queues ev for the hub without waiting for the outcome. Events
// reach the transport in call order. There is no readiness gate; failures
// are logged.
func (b *Broker) Publish(ev model.ChannelEvent) {
	atomic.AddInt64(&b.publishes, 1)

	if !b.outbox.Send(ev) {
		atomic.AddInt64(&b.publishFailures, 1)
		b.logger.Warn("publish after stop dropped", "channel", ev.ChannelName)
	}
}

// PublishWait sends ev and waits for the hub's completion.
func (b *Broker) PublishWait(ctx context.Context, ev model.ChannelEvent) error {
	atomic.AddInt64(&b.publishes, 1)

	if b.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
	}

	if err := b.hub.Invoke(ctx, MethodPublish, ev); err != nil {
		atomic.AddInt64(&b.publishFailures, 1)
		return fmt.Errorf("publish to %q: %w", ev.ChannelName, err)
	}
	return nil
}

// HandleEvent is the transport receive hook. Safe from any goroutine.
func (b *Broker) HandleEvent(channel string, payload json.RawMessage) {
	b.router.Enqueue(channel, payload)
}

// Deliver emits ev on channel's stream. It reports false when the channel
// was never subscribed; such events are dropped.
func (b *Broker) Deliver(name string, ev model.ChannelEvent) bool {
	b.mu.RLock()
	ch, ok := b.channels[name]
	b.mu.RUnlock()

	if !ok {
		return false
	}
	ch.subject.Next(ev)
	return true
}

// Channel returns the registry entry for name.
func (b *Broker) Channel(name string) (ChannelInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.channels[name]
	if !ok {
		return ChannelInfo{}, false
	}
	return ch.info(), true
}

// Channels returns every registry entry, sorted by name.
func (b *Broker) Channels() []ChannelInfo {
	b.mu.RLock()
	out := make([]ChannelInfo, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch.info())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns current statistics.
func (b *Broker) Stats() Stats {
	s := Stats{
		Joins:           atomic.LoadInt64(&b.joins),
		JoinFailures:    atomic.LoadInt64(&b.joinFailures),
		Rejoins:         atomic.LoadInt64(&b.rejoins),
		Publishes:       atomic.LoadInt64(&b.publishes),
		PublishFailures: atomic.LoadInt64(&b.publishFailures),
		Router:          b.router.Stats(),
	}

	b.mu.RLock()
	s.Channels = len(b.channels)
	for _, ch := range b.channels {
		switch ch.state {
		case Joined:
			s.Joined++
		case Failed:
			s.Failed++
		}
	}
	b.mu.RUnlock()

	return s
}

// publishLoop sends queued publishes one at a time until the outbox is
// closed and drained.
func (b *Broker) publishLoop() {
	defer close(b.senderDone)

	for {
		ev, ok := b.outbox.Receive(context.Background())
		if !ok {
			return
		}

		ctx, cancel := b.invokeContext(b.cfg.PublishTimeout)
		err := b.hub.Invoke(ctx, MethodPublish, ev)
		cancel()

		if err != nil {
			atomic.AddInt64(&b.publishFailures, 1)
			b.logger.Warn("publish failed", "channel", ev.ChannelName, "event", ev.Name, "error", err)
		}
	}
}

// onReady runs as a readiness continuation and must not block.
func (b *Broker) onReady(ch *channel, err error) {
	if err != nil {
		b.fail(ch, err)
		return
	}

	b.mu.Lock()
	ch.state = JoinRequested
	b.mu.Unlock()

	if !b.track() {
		b.fail(ch, context.Canceled)
		return
	}
	go b.join(ch)
}

// join issues the remote Subscribe for ch.
func (b *Broker) join(ch *channel) {
	defer b.wg.Done()

	ctx, cancel := b.invokeContext(b.cfg.JoinTimeout)
	defer cancel()

	atomic.AddInt64(&b.joins, 1)
	if err := b.hub.Invoke(ctx, MethodSubscribe, ch.name); err != nil {
		b.fail(ch, err)
		return
	}

	b.mu.Lock()
	ch.state = Joined
	ch.joinedAt = time.Now()
	b.mu.Unlock()

	b.logger.Info("channel joined", "channel", ch.name)
}

// fail terminates ch's stream with a JoinError.
func (b *Broker) fail(ch *channel, cause error) {
	jerr := &JoinError{Channel: ch.name, Err: cause}

	b.mu.Lock()
	ch.state = Failed
	ch.err = jerr
	b.mu.Unlock()

	atomic.AddInt64(&b.joinFailures, 1)
	b.logger.Warn("channel join failed", "channel", ch.name, "error", cause)
	ch.subject.Error(jerr)
}

// watchReconnects rejoins joined channels after Reconnecting -> Connected.
func (b *Broker) watchReconnects(sub *stream.Subscription[lifecycle.ConnectionState]) {
	defer b.wg.Done()
	defer sub.Close()

	prev := lifecycle.Disconnected
	for {
		select {
		case <-b.ctx.Done():
			return
		case state, ok := <-sub.C():
			if !ok {
				return
			}
			if prev == lifecycle.Reconnecting && state == lifecycle.Connected {
				b.rejoin()
			}
			prev = state
		}
	}
}

// rejoin re-issues Subscribe for every joined channel. Failures are logged
// and leave the channel's stream open.
func (b *Broker) rejoin() {
	b.mu.RLock()
	var names []string
	for name, ch := range b.channels {
		if ch.state == Joined {
			names = append(names, name)
		}
	}
	b.mu.RUnlock()

	sort.Strings(names)
	b.logger.Info("rejoining channels after reconnect", "channels", len(names))

	for _, name := range names {
		ctx, cancel := b.invokeContext(b.cfg.JoinTimeout)
		err := b.hub.Invoke(ctx, MethodSubscribe, name)
		cancel()

		atomic.AddInt64(&b.rejoins, 1)
		if err != nil {
			b.logger.Warn("channel rejoin failed", "channel", name, "error", err)
		}
	}
}

// track registers a background call unless the broker is stopped.
func (b *Broker) track() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Broker) invokeContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(b.ctx, timeout)
	}
	return context.WithCancel(b.ctx)
}

func (ch *channel) info() ChannelInfo {
	return ChannelInfo{
		Name:        ch.name,
		State:       ch.state,
		Err:         ch.err,
		Subscribers: ch.subject.Observers(),
		JoinedAt:    ch.joinedAt,
	}
}
