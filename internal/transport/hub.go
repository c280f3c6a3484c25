package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/hubmux/internal/version"
)

// invokeResult carries a completion frame or a local failure to a waiting Invoke.
type invokeResult struct {
	frame Frame
	err   error
}

// Hub is a Transport over a single auto-reconnecting WebSocket.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	connID string

	// Registered handlers
	handlersMu    sync.RWMutex
	stateHandlers []func(StateChange)
	errorHandlers []func(error)
	eventHandlers []func(string, json.RawMessage)

	// Serializes state notifications so handlers observe transitions in order.
	notifyMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Write serialization
	writeMu sync.Mutex

	// State
	mu       sync.RWMutex
	conn     *websocket.Conn
	state    State
	started  bool
	closed   bool
	lastPong time.Time

	// Invocation/completion correlation
	pendingMu sync.Mutex
	pending   map[int64]chan invokeResult
	cmdID     int64 // Atomic counter
}

// NewHub creates a hub transport. It does not connect until Start.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig()
	if cfg.HubName == "" {
		cfg.HubName = defaults.HubName
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	connID := uuid.NewString()

	return &Hub{
		cfg:     cfg,
		logger:  logger.With("hub", cfg.HubName, "conn_id", connID),
		connID:  connID,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		pending: make(map[int64]chan invokeResult),
	}
}

// ConnectionID returns the client-generated id sent on every handshake.
func (h *Hub) ConnectionID() string {
	return h.connID
}

// State returns the current raw state.
func (h *Hub) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// OnStateChanged registers a state-change handler.
func (h *Hub) OnStateChanged(fn func(StateChange)) {
	h.handlersMu.Lock()
	h.stateHandlers = append(h.stateHandlers, fn)
	h.handlersMu.Unlock()
}

// OnError registers an error handler.
func (h *Hub) OnError(fn func(error)) {
	h.handlersMu.Lock()
	h.errorHandlers = append(h.errorHandlers, fn)
	h.handlersMu.Unlock()
}

// OnEvent registers the channel event receive hook.
func (h *Hub) OnEvent(fn func(channel string, payload json.RawMessage)) {
	h.handlersMu.Lock()
	h.eventHandlers = append(h.eventHandlers, fn)
	h.handlersMu.Unlock()
}

// Start dials the hub once. A failed Start may be retried; a successful
// one hands reconnection over to the background loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.started {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.started = true
	h.mu.Unlock()

	h.setState(StateConnecting)

	conn, err := h.dial(ctx)
	if err != nil {
		h.mu.Lock()
		h.started = false
		h.mu.Unlock()
		h.setState(StateDisconnected)
		return fmt.Errorf("connect hub: %w", err)
	}

	if !h.attach(conn) {
		return ErrClosed
	}
	h.setState(StateConnected)

	h.logger.Info("hub connected", "url", h.cfg.URL)
	return nil
}

// Invoke calls a remote hub method and waits for its completion.
func (h *Hub) Invoke(ctx context.Context, method string, args ...any) error {
	h.mu.RLock()
	conn := h.conn
	closed := h.closed
	h.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	rawArgs := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("marshal %s args: %w", method, err)
		}
		rawArgs = append(rawArgs, data)
	}

	id := atomic.AddInt64(&h.cmdID, 1)
	respCh := make(chan invokeResult, 1)

	h.pendingMu.Lock()
	h.pending[id] = respCh
	h.pendingMu.Unlock()

	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	data, err := json.Marshal(Frame{
		Type:   FrameInvoke,
		ID:     id,
		Hub:    h.cfg.HubName,
		Method: method,
		Args:   rawArgs,
	})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", method, err)
	}

	if err := h.write(conn, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	var timeout <-chan time.Time
	if h.cfg.InvokeTimeout > 0 {
		timer := time.NewTimer(h.cfg.InvokeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrClosed
	case <-timeout:
		return ErrTimeout
	case res := <-respCh:
		if res.err != nil {
			return res.err
		}
		if res.frame.Error != "" {
			return &RemoteError{Method: method, Message: res.frame.Error}
		}
		return nil
	}
}

// Close gracefully closes the connection and stops reconnecting.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	h.cancel()

	var err error
	if conn != nil {
		h.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		h.writeMu.Unlock()
		err = conn.Close()
	}

	h.failPending(ErrClosed)
	h.wg.Wait()
	h.setState(StateDisconnected)

	h.logger.Info("hub closed")
	return err
}

// dial performs the WebSocket handshake.
func (h *Hub) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	header.Set("X-Hub-Name", h.cfg.HubName)
	header.Set("X-Connection-Id", h.connID)

	if h.cfg.Signer != nil {
		u, err := url.Parse(h.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse hub url: %w", err)
		}
		signed, err := h.cfg.Signer.SignHandshake(u.Path)
		if err != nil {
			return nil, fmt.Errorf("sign handshake: %w", err)
		}
		for k, v := range signed {
			header.Set(k, v)
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: h.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, h.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", h.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", h.cfg.URL, err)
	}
	return conn, nil
}

// attach installs conn as the live socket and starts its loops.
func (h *Hub) attach(conn *websocket.Conn) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return false
	}
	h.conn = conn
	h.lastPong = time.Now()
	h.mu.Unlock()

	// Server pings count as liveness too.
	conn.SetPingHandler(func(data string) error {
		h.touch()
		h.writeMu.Lock()
		defer h.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		h.touch()
		return nil
	})

	h.wg.Add(2)
	go h.readLoop(conn)
	go h.pingLoop(conn)
	return true
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastPong = time.Now()
	h.mu.Unlock()
}

// write sends one text frame on conn.
func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames until the socket fails.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.connectionLost(conn, err)
			return
		}
		h.handleFrame(data)
	}
}

// pingLoop keeps conn alive and closes it when the peer goes quiet.
func (h *Hub) pingLoop(conn *websocket.Conn) {
	defer h.wg.Done()

	if h.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			current := h.conn
			lastPong := h.lastPong
			h.mu.RUnlock()

			if current != conn {
				return
			}

			if h.cfg.PongTimeout > 0 && time.Since(lastPong) > h.cfg.PongTimeout {
				h.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", h.cfg.PongTimeout,
				)
				h.emitError(ErrStaleConnection)
				conn.Close() // readLoop observes the failure and reconnects
				return
			}

			h.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(h.cfg.WriteTimeout))
			h.writeMu.Unlock()
			if err != nil {
				h.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// connectionLost handles a read failure on conn.
func (h *Hub) connectionLost(conn *websocket.Conn, err error) {
	h.mu.Lock()
	if h.closed || h.conn != conn {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	h.mu.Unlock()

	conn.Close()

	h.logger.Warn("connection lost", "error", err)
	h.failPending(ErrConnectionLost)
	h.emitError(fmt.Errorf("read frame: %w", err))
	h.setState(StateReconnecting)

	h.wg.Add(1)
	go h.reconnect()
}

// reconnect redials with exponential backoff.
func (h *Hub) reconnect() {
	defer h.wg.Done()

	wait := h.cfg.ReconnectBaseDelay
	if wait <= 0 {
		wait = time.Second
	}
	maxWait := h.cfg.ReconnectMaxDelay
	if maxWait < wait {
		maxWait = wait
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-h.ctx.Done():
			return
		case <-time.After(wait):
		}

		h.logger.Info("attempting reconnection", "attempt", attempt)

		conn, err := h.dial(h.ctx)
		if err != nil {
			h.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			h.emitError(fmt.Errorf("reconnect: %w", err))

			if h.cfg.MaxReconnectAttempts > 0 && attempt >= h.cfg.MaxReconnectAttempts {
				h.logger.Error("giving up reconnection", "attempts", attempt)
				h.setState(StateDisconnected)
				return
			}

			// Exponential backoff
			wait *= 2
			if wait > maxWait {
				wait = maxWait
			}
			continue
		}

		if !h.attach(conn) {
			return
		}
		h.setState(StateConnected)
		h.logger.Info("reconnected", "attempt", attempt)
		return
	}
}

// handleFrame dispatches one inbound frame.
func (h *Hub) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		h.logger.Warn("failed to parse frame", "error", err)
		h.emitError(fmt.Errorf("parse frame: %w", err))
		return
	}

	if f.Hub != "" && f.Hub != h.cfg.HubName {
		h.logger.Debug("skipping frame for other hub", "frame_hub", f.Hub)
		return
	}

	switch f.Type {
	case FrameCompletion:
		h.routeCompletion(f)

	case FrameEvent:
		if f.Method != EventMethod {
			h.logger.Debug("skipping client method", "method", f.Method)
			return
		}
		if len(f.Args) < 2 {
			h.logger.Warn("event frame missing arguments", "args", len(f.Args))
			return
		}
		var channel string
		if err := json.Unmarshal(f.Args[0], &channel); err != nil {
			h.logger.Warn("event frame has non-string channel", "error", err)
			return
		}
		h.emitEvent(channel, f.Args[1])

	default:
		h.logger.Debug("skipping frame type", "type", f.Type)
	}
}

// routeCompletion sends a completion to the waiting Invoke.
func (h *Hub) routeCompletion(f Frame) {
	h.pendingMu.Lock()
	ch, ok := h.pending[f.ID]
	if ok {
		delete(h.pending, f.ID)
	}
	h.pendingMu.Unlock()

	if !ok {
		h.logger.Debug("completion for unknown invocation", "id", f.ID)
		return
	}

	select {
	case ch <- invokeResult{frame: f}:
	default:
	}
}

// failPending aborts every in-flight invocation with err.
func (h *Hub) failPending(err error) {
	h.pendingMu.Lock()
	pending := h.pending
	h.pending = make(map[int64]chan invokeResult)
	h.pendingMu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- invokeResult{err: err}:
		default:
		}
	}
}

func (h *Hub) setState(s State) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	old := h.state
	if old == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()

	h.logger.Debug("state changed", "old", old, "new", s)

	h.handlersMu.RLock()
	handlers := h.stateHandlers
	h.handlersMu.RUnlock()

	change := StateChange{Old: old, New: s}
	for _, fn := range handlers {
		fn(change)
	}
}

func (h *Hub) emitError(err error) {
	h.handlersMu.RLock()
	handlers := h.errorHandlers
	h.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(err)
	}
}

func (h *Hub) emitEvent(channel string, payload json.RawMessage) {
	h.handlersMu.RLock()
	handlers := h.eventHandlers
	h.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(channel, payload)
	}
}
