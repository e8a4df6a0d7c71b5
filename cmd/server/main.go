// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Chatrelay is the real-time delivery core for marketplace chat: it fans
// chat events out to room subscribers over WebSocket, relays personal-channel
// notifications, and exposes HTTP relay endpoints for trusted backend
// callers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/chatrelay/internal/api"
	"github.com/tomtom215/chatrelay/internal/auth"
	"github.com/tomtom215/chatrelay/internal/cache"
	"github.com/tomtom215/chatrelay/internal/config"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/presence"
	"github.com/tomtom215/chatrelay/internal/pubsub"
	"github.com/tomtom215/chatrelay/internal/registry"
	"github.com/tomtom215/chatrelay/internal/relay"
	"github.com/tomtom215/chatrelay/internal/router"
	"github.com/tomtom215/chatrelay/internal/store"
	"github.com/tomtom215/chatrelay/internal/supervisor"
	"github.com/tomtom215/chatrelay/internal/supervisor/services"
	ws "github.com/tomtom215/chatrelay/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("starting chatrelay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Message persistence.
	messageStore, err := buildStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize message store")
	}
	if messageStore != nil {
		defer closeQuietly("message store", messageStore.Close)
	}

	// Presence mirror.
	presenceStore, err := buildPresence(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize presence store")
	}
	defer closeQuietly("presence store", presenceStore.Close)

	// Core delivery: registry -> router.
	reg := registry.NewWithMirror(presenceStore)
	rt := router.New(reg)
	if cfg.Typing.TTL > 0 {
		rt.SetTypingTTL(cfg.Typing.TTL)
	}

	// Supervision tree.
	slogger := slog.New(logging.NewSlogHandler())
	tree := supervisor.NewTree(slogger, supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	tree.AddMessagingService(router.NewTypingSweeper(rt))

	// Optional NATS layer for multi-instance deployments: the gateway
	// publishes this instance's events, the bridge replays siblings' events
	// into the local router.
	unicasters := []relay.Unicaster{relay.RouterUnicaster{Router: rt}}
	if cfg.NATS.Enabled {
		natsURL, shutdown, err := initNATS(cfg)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to initialize NATS")
		}
		defer shutdown()

		pubGateway, err := pubsub.NewGateway(pubsub.DefaultConfig(natsURL))
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to connect pub/sub gateway")
		}
		defer pubGateway.Close()

		rt.SetRemote(pubGateway)
		unicasters = append(unicasters, pubGateway)
		tree.AddMessagingService(pubsub.NewBridge(natsURL, rt, pubGateway.InstanceID()))
	}
	notifier := relay.NewNotifier(relay.MultiUnicaster(unicasters))

	// Transport and HTTP surface.
	verifier := auth.NewVerifier(cfg.Security.AuthMode, cfg.Security.JWTSecret)
	gateway := ws.NewGateway(rt, notifier, verifier, storeOrNil(messageStore))
	handler := api.NewHandler(rt, notifier, messageStore, presenceStore, cfg.Store.HistoryLimit)

	server := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewRouter(handler, gateway, api.RouterConfig{
			CORSOrigins:     cfg.Server.CORSOrigins,
			RateLimitReqs:   cfg.Server.RateLimitReqs,
			RateLimitWindow: cfg.Server.RateLimitWindow,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// Signal handling.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("starting supervisor tree")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	logging.Info().Msg("chatrelay stopped")
}

// buildStore selects the message persistence backend. Returns nil for the
// "none" backend: live delivery without history.
func buildStore(cfg *config.Config) (store.MessageStore, error) {
	var (
		inner store.MessageStore
		err   error
	)
	switch cfg.Store.Backend {
	case "badger":
		inner, err = store.OpenBadger(cfg.Store.Path)
	case "memory":
		inner = store.NewMemoryStore()
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Store.CacheSize > 0 {
		return cache.NewCachingStore(inner, cfg.Store.CacheSize, cfg.Store.CacheTTL), nil
	}
	return inner, nil
}

// buildPresence selects the presence mirror backend.
func buildPresence(ctx context.Context, cfg *config.Config) (presence.Store, error) {
	switch cfg.Presence.Backend {
	case "redis":
		return presence.NewRedisStore(ctx, cfg.Presence.RedisAddr, cfg.Presence.RedisPassword, cfg.Presence.RedisDB)
	case "memory":
		return presence.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown presence backend %q", cfg.Presence.Backend)
	}
}

// initNATS starts the embedded server when configured and returns the client
// URL plus a shutdown func for everything it started.
func initNATS(cfg *config.Config) (string, func(), error) {
	natsURL := cfg.NATS.URL
	shutdown := func() {}

	if cfg.NATS.EmbeddedServer {
		embedded, err := pubsub.NewEmbeddedServer(pubsub.ServerConfig{
			Host: cfg.NATS.EmbeddedHost,
			Port: cfg.NATS.EmbeddedPort,
		})
		if err != nil {
			return "", nil, err
		}
		natsURL = embedded.ClientURL()
		shutdown = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(ctx); err != nil {
				logging.Warn().Err(err).Msg("embedded NATS shutdown failed")
			}
		}
		logging.Info().Str("url", natsURL).Msg("embedded NATS server started")
	} else {
		logging.Info().Str("url", natsURL).Msg("using external NATS server")
	}

	return natsURL, shutdown, nil
}

// storeOrNil avoids handing the gateway a typed-nil interface when
// persistence is disabled.
func storeOrNil(s store.MessageStore) ws.MessageStore {
	if s == nil {
		return nil
	}
	return s
}

func closeQuietly(name string, close func() error) {
	if err := close(); err != nil {
		logging.Warn().Err(err).Str("component", name).Msg("close failed")
	}
}
