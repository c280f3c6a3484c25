// Command devhub runs a local hub server for development and testing.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rickgao/hubmux/internal/auth"
	"github.com/rickgao/hubmux/internal/config"
	"github.com/rickgao/hubmux/internal/devhub"
	"github.com/rickgao/hubmux/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting devhub",
		"version", version.Version,
		"commit", version.Commit,
	)

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.LoadWithDefaults(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg.DevHub = config.DevHubConfig{
			Addr:   config.DefaultDevHubAddr,
			Path:   config.DefaultDevHubPath,
			MaxAge: config.DefaultDevHubMaxAge,
		}
	}
	if *addr != "" {
		cfg.DevHub.Addr = *addr
	}
	if err := cfg.ValidateDevHub(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	hcfg := devhub.DefaultConfig()
	hcfg.Addr = cfg.DevHub.Addr
	hcfg.Path = cfg.DevHub.Path
	if cfg.Hub.Name != "" {
		hcfg.HubName = cfg.Hub.Name
	}

	if len(cfg.DevHub.PublicKeys) > 0 {
		keys := make(map[string]*rsa.PublicKey, len(cfg.DevHub.PublicKeys))
		for keyID, path := range cfg.DevHub.PublicKeys {
			pub, err := auth.LoadPublicKey(path)
			if err != nil {
				logger.Error("failed to load public key", "key_id", keyID, "error", err)
				os.Exit(1)
			}
			keys[keyID] = pub
		}
		hcfg.Verifier = &auth.Verifier{Keys: keys, MaxAge: cfg.DevHub.MaxAge}
		logger.Info("handshake verification enabled", "keys", len(keys))
	}

	// Create context with cancellation
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

	server := devhub.New(hcfg, logger)
	if err := server.Run(ctx); err != nil {
		logger.Error("devhub failed", "error", err)
		os.Exit(1)
	}
}
