// Package devhub is a minimal hub server speaking the hubmux frame
// protocol. It supports the Subscribe and Publish methods and fans
// published events out to every connection that joined the event's
// channel. It is meant for local development and end-to-end tests.
package devhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/hubmux/internal/auth"
	"github.com/rickgao/hubmux/internal/model"
	"github.com/rickgao/hubmux/internal/stream"
	"github.com/rickgao/hubmux/internal/transport"
)

// Config holds configuration for the dev hub.
type Config struct {
	Addr         string        // Listen address (e.g., ":5000")
	Path         string        // WebSocket endpoint path. Default: /signalr
	HubName      string        // Accepted hub name. Default: messages
	WriteTimeout time.Duration // Per-frame write deadline. Default: 5s
	QueueSize    int           // Initial per-connection send queue. Default: 256

	Verifier *auth.Verifier // Optional handshake verification (nil = open)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":5000",
		Path:         "/signalr",
		HubName:      "messages",
		WriteTimeout: 5 * time.Second,
		QueueSize:    256,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Clients     int
	Groups      int
	Invocations int64
	Published   int64
	Delivered   int64
}

// Server is the dev hub.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	groups  map[string]map[*client]struct{}

	// Stats (atomic)
	invocations int64
	published   int64
	delivered   int64
}

// New creates a dev hub server.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.HubName == "" {
		cfg.HubName = def.HubName
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}

	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "devhub", "hub", cfg.HubName),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		groups:  make(map[string]map[*client]struct{}),
	}
}

// Handler returns the HTTP handler serving the hub endpoint and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Stats())
	})
	return mux
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down and
// disconnects every client.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("dev hub listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		s.CloseAll()
		s.logger.Info("dev hub stopped")
		return err
	})

	return g.Wait()
}

// Publish pushes payload to every member of channel's group. It is the
// server-side equivalent of a client Publish and returns the number of
// connections reached.
func (s *Server) Publish(channel string, payload json.RawMessage) (int, error) {
	data, err := json.Marshal(transport.Frame{
		Type:   transport.FrameEvent,
		Hub:    s.cfg.HubName,
		Method: transport.EventMethod,
		Args:   []json.RawMessage{quote(channel), payload},
	})
	if err != nil {
		return 0, fmt.Errorf("marshal event frame: %w", err)
	}

	s.mu.RLock()
	members := make([]*client, 0, len(s.groups[channel]))
	for c := range s.groups[channel] {
		members = append(members, c)
	}
	s.mu.RUnlock()

	atomic.AddInt64(&s.published, 1)
	for _, c := range members {
		if c.send(data) {
			atomic.AddInt64(&s.delivered, 1)
		}
	}

	s.logger.Debug("event published", "channel", channel, "members", len(members))
	return len(members), nil
}

// Members returns the number of connections joined to channel.
func (s *Server) Members(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[channel])
}

// CloseAll disconnects every client.
func (s *Server) CloseAll() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// Stats returns current statistics.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Clients:     len(s.clients),
		Groups:      len(s.groups),
		Invocations: atomic.LoadInt64(&s.invocations),
		Published:   atomic.LoadInt64(&s.published),
		Delivered:   atomic.LoadInt64(&s.delivered),
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	keyID := ""
	if s.cfg.Verifier != nil {
		id, err := s.cfg.Verifier.Verify(r)
		if err != nil {
			s.logger.Warn("handshake rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		keyID = id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		queue:  stream.NewBuffer[[]byte](s.cfg.QueueSize),
		logger: s.logger.With("conn_id", r.Header.Get("X-Connection-Id"), "key_id", keyID),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	c.logger.Info("client connected", "remote", r.RemoteAddr, "user_agent", r.UserAgent())

	done := make(chan struct{})
	go func() {
		c.writePump(s.cfg.WriteTimeout)
		close(done)
	}()

	s.readLoop(c)

	s.remove(c)
	c.close()
	<-done

	c.logger.Info("client disconnected")
}

func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("failed to parse frame", "error", err)
			continue
		}
		if f.Type != transport.FrameInvoke {
			continue
		}

		atomic.AddInt64(&s.invocations, 1)
		errMsg := s.invoke(c, f)
		s.complete(c, f.ID, errMsg)
	}
}

// invoke runs one remote call and returns the completion error text.
func (s *Server) invoke(c *client, f transport.Frame) string {
	if f.Hub != "" && f.Hub != s.cfg.HubName {
		return fmt.Sprintf("unknown hub %q", f.Hub)
	}

	switch f.Method {
	case "Subscribe":
		var channel string
		if len(f.Args) != 1 || json.Unmarshal(f.Args[0], &channel) != nil || channel == "" {
			return "Subscribe expects one channel name"
		}
		s.join(c, channel)
		return ""

	case "Publish":
		if len(f.Args) != 1 {
			return "Publish expects one event"
		}
		ev, err := model.DecodeChannelEvent(f.Args[0])
		if err != nil {
			return fmt.Sprintf("invalid event: %v", err)
		}
		if ev.ChannelName == "" {
			return "event has no channelName"
		}
		if _, err := s.Publish(ev.ChannelName, f.Args[0]); err != nil {
			return err.Error()
		}
		return ""

	default:
		return fmt.Sprintf("unknown method %q", f.Method)
	}
}

func (s *Server) complete(c *client, id int64, errMsg string) {
	data, err := json.Marshal(transport.Frame{
		Type:  transport.FrameCompletion,
		ID:    id,
		Error: errMsg,
	})
	if err != nil {
		c.logger.Error("failed to marshal completion", "error", err)
		return
	}
	c.send(data)
}

func (s *Server) join(c *client, channel string) {
	s.mu.Lock()
	members, ok := s.groups[channel]
	if !ok {
		members = make(map[*client]struct{})
		s.groups[channel] = members
	}
	members[c] = struct{}{}
	s.mu.Unlock()

	c.logger.Debug("joined channel", "channel", channel)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, c)
	for channel, members := range s.groups {
		delete(members, c)
		if len(members) == 0 {
			delete(s.groups, channel)
		}
	}
}

func quote(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
