// Command chantail subscribes to hub channels and prints every event as a
// JSON line. With -publish it also reads events from stdin, one per line:
//
//	<channel> <name> [json data]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/hubmux/internal/auth"
	"github.com/rickgao/hubmux/internal/broker"
	"github.com/rickgao/hubmux/internal/config"
	"github.com/rickgao/hubmux/internal/lifecycle"
	"github.com/rickgao/hubmux/internal/model"
	"github.com/rickgao/hubmux/internal/router"
	"github.com/rickgao/hubmux/internal/transport"
	"github.com/rickgao/hubmux/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/chantail.local.yaml", "path to config file")
	publish := flag.Bool("publish", false, "publish events read from stdin")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	// Logs go to stderr; stdout carries events.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting chantail",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logger.With("instance_id", cfg.Instance.ID)

	if err := run(cfg, *publish, logger); err != nil {
		logger.Error("chantail failed", "error", err)
		os.Exit(1)
	}
	logger.Info("chantail stopped")
}

func run(cfg *config.Config, publish bool, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	tcfg, err := transportConfig(cfg.Hub)
	if err != nil {
		return err
	}

	hub := transport.NewHub(tcfg, logger)
	lc := lifecycle.New(hub, logger)
	defer lc.Close()

	b := broker.New(brokerConfig(cfg.Broker), hub, lc, logger)
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		b.Stop(shutdownCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	out := newPrinter(os.Stdout)

	g.Go(func() error {
		return ignoreCancel(lc.States().Consume(gctx, func(s lifecycle.ConnectionState) {
			logger.Info("connection state", "state", s)
		}))
	})
	g.Go(func() error {
		return ignoreCancel(lc.Errors().Consume(gctx, func(err error) {
			logger.Warn("transport error", "error", err)
		}))
	})

	// Subscribe before starting so joins ride the readiness signal.
	for _, name := range cfg.Channels {
		name := name
		events := b.Subscribe(name)
		g.Go(func() error {
			err := events.Consume(gctx, func(ev model.ChannelEvent) {
				out.print(name, ev)
			})
			var jerr *broker.JoinError
			if errors.As(err, &jerr) {
				// One failed channel does not stop the others.
				logger.Error("channel closed", "channel", name, "error", err)
				return nil
			}
			return ignoreCancel(err)
		})
	}

	if cfg.Health.Port >= 0 {
		healthServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
			Handler: createHealthHandler(cfg.Health.Path, lc, b),
		}
		g.Go(func() error {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return healthServer.Shutdown(shutdownCtx)
		})
	}

	if err := lc.Start(ctx); err != nil {
		return fmt.Errorf("start connection: %w", err)
	}
	lc.Ready().Then(func(err error) {
		if err != nil {
			logger.Error("hub unreachable", "url", cfg.Hub.URL, "error", err)
			cancel()
			return
		}
		logger.Info("hub ready", "url", cfg.Hub.URL, "channels", len(cfg.Channels))
	})

	if publish {
		// Not part of the group: a blocked stdin read cannot be cancelled.
		go publishStdin(ctx, b, logger)
	}

	return g.Wait()
}

func transportConfig(h config.HubConfig) (transport.Config, error) {
	tcfg := transport.DefaultConfig()
	tcfg.URL = h.URL
	tcfg.HubName = h.Name
	tcfg.HandshakeTimeout = h.HandshakeTimeout
	tcfg.WriteTimeout = h.WriteTimeout
	tcfg.InvokeTimeout = h.InvokeTimeout
	tcfg.PingInterval = h.PingInterval
	tcfg.PongTimeout = h.PongTimeout
	tcfg.ReconnectBaseDelay = h.ReconnectBaseDelay
	tcfg.ReconnectMaxDelay = h.ReconnectMaxDelay
	tcfg.MaxReconnectAttempts = h.MaxReconnectAttempts

	if h.KeyID != "" {
		creds, err := auth.LoadCredentials(h.KeyID, h.PrivateKeyPath)
		if err != nil {
			return tcfg, fmt.Errorf("load hub credentials: %w", err)
		}
		tcfg.Signer = creds
	}
	return tcfg, nil
}

func brokerConfig(c config.BrokerConfig) broker.Config {
	bcfg := broker.DefaultConfig()
	bcfg.RejoinOnReconnect = c.RejoinOnReconnect
	bcfg.JoinTimeout = c.JoinTimeout
	bcfg.PublishTimeout = c.PublishTimeout
	bcfg.BufferSize = c.BufferSize
	bcfg.Router = router.Config{QueueSize: c.QueueSize}
	return bcfg
}

// publishStdin publishes one event per input line until EOF or ctx is done.
func publishStdin(ctx context.Context, b *broker.Broker, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		ev, err := parseEventLine(scanner.Text())
		if err != nil {
			logger.Warn("skipping input line", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		b.Publish(*ev)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin read failed", "error", err)
	}
}

// parseEventLine parses "<channel> <name> [json data]". Data that is not
// valid JSON is sent as a JSON string. Blank lines yield nil.
func parseEventLine(line string) (*model.ChannelEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("want <channel> <name> [data], got %q", line)
	}

	var data json.RawMessage
	if len(parts) == 3 {
		raw := strings.TrimSpace(parts[2])
		if json.Valid([]byte(raw)) {
			data = json.RawMessage(raw)
		} else {
			quoted, _ := json.Marshal(raw)
			data = quoted
		}
	}

	ev := model.NewChannelEvent(parts[0], parts[1], data)
	return &ev, nil
}

// printer writes events to stdout as JSON lines.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(f *os.File) *printer {
	return &printer{enc: json.NewEncoder(f)}
}

func (p *printer) print(channel string, ev model.ChannelEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enc.Encode(struct {
		Channel    string          `json:"channel"`
		ReceivedAt time.Time       `json:"receivedAt"`
		Event      json.RawMessage `json:"event"`
	}{
		Channel:    channel,
		ReceivedAt: time.Now().UTC(),
		Event:      ev.Raw,
	})
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(path string, lc *lifecycle.Lifecycle, b *broker.Broker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		state := lc.State()

		channels := make(map[string]interface{})
		for _, ch := range b.Channels() {
			entry := map[string]interface{}{
				"state":       ch.State.String(),
				"subscribers": ch.Subscribers,
			}
			if ch.Err != nil {
				entry["error"] = ch.Err.Error()
			}
			channels[ch.Name] = entry
		}

		stats := b.Stats()
		health := struct {
			Status     string                 `json:"status"`
			Connection string                 `json:"connection"`
			Channels   map[string]interface{} `json:"channels"`
			Stats      map[string]int64       `json:"stats"`
		}{
			Status:     "healthy",
			Connection: state.String(),
			Channels:   channels,
			Stats: map[string]int64{
				"received":         stats.Router.Received,
				"routed":           stats.Router.Routed,
				"dropped":          stats.Router.Dropped,
				"publishes":        stats.Publishes,
				"publish_failures": stats.PublishFailures,
				"join_failures":    stats.JoinFailures,
			},
		}

		switch {
		case state != lifecycle.Connected:
			health.Status = "unhealthy"
		case stats.Failed > 0:
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
		})
	})

	return mux
}
