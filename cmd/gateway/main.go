package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secretmessenger/realtime/internal/auth"
	"github.com/secretmessenger/realtime/internal/config"
	"github.com/secretmessenger/realtime/internal/database"
	"github.com/secretmessenger/realtime/internal/event"
	"github.com/secretmessenger/realtime/internal/gateway"
	"github.com/secretmessenger/realtime/internal/membership"
	"github.com/secretmessenger/realtime/internal/presence"
	"github.com/secretmessenger/realtime/internal/registry"
	"github.com/secretmessenger/realtime/internal/router"
	"github.com/secretmessenger/realtime/internal/store"
	"github.com/secretmessenger/realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/gateway.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting gateway",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded", "instance_id", cfg.Instance.ID)

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

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Connection registry
	reg := registry.New(registry.Config{
		OutboxCapacity: cfg.Flow.OutboxCapacity,
		EventBacklog:   cfg.Flow.EventBacklog,
	})

	// Membership service over chat_participants
	members := membership.NewService(membership.Config{
		LookupTimeout: cfg.Membership.LookupTimeout,
		CacheTTL:      cfg.Membership.CacheTTL,
	}, membership.NewPgSource(pool), logger)

	// Message persistence
	var persister router.Persister
	if cfg.Store.Enabled {
		writer := store.NewWriter(store.Config{
			BatchSize:     cfg.Store.BatchSize,
			FlushInterval: cfg.Store.FlushInterval,
			IntakeBuffer:  cfg.Store.IntakeBuffer,
		}, pool, logger)
		if err := writer.Start(ctx); err != nil {
			logger.Error("failed to start store writer", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			writer.Stop(shutdownCtx)
		}()
		persister = writer
	} else {
		logger.Warn("message persistence disabled")
		persister = store.Null{}
	}

	// Router
	rt := router.New(router.Config{
		SequencerIdleReclaim: cfg.Router.SequencerIdleReclaim,
	}, reg, members, persister, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		rt.Stop(shutdownCtx)
	}()

	// Presence tracker; its emissions go back through the router
	tracker := presence.NewTracker(presence.Config{
		OfflineDebounce: cfg.Presence.OfflineDebounce,
		TypingTTL:       cfg.Presence.TypingTTL,
	}, reg.Events(), func(ev event.Event) {
		if _, err := rt.Route(context.Background(), ev); err != nil {
			logger.Debug("presence route failed", "error", err)
		}
	}, logger)
	if err := tracker.Start(ctx); err != nil {
		logger.Error("failed to start presence tracker", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		tracker.Stop(shutdownCtx)
	}()

	// Credential validation
	validator := auth.NewTimeoutValidator(
		auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret)),
		cfg.Auth.ValidateTimeout,
	)

	// Gateway
	gw := gateway.New(gateway.Config{
		PingInterval:    cfg.Gateway.PingInterval,
		ReadTimeout:     cfg.Gateway.ReadTimeout,
		WriteTimeout:    cfg.Gateway.WriteTimeout,
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		MalformedRate:   cfg.Gateway.MalformedRate,
		MalformedBurst:  cfg.Gateway.MalformedBurst,
	}, validator, reg, tracker, rt, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/healthz", healthHandler(pool, reg, rt, gw))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("gateway listening", "addr", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	// Closing the registry closes every outbox, which ends each
	// connection's write loop.
	reg.Close()

	logger.Info("gateway stopped")
}

// healthHandler reports component health and runtime statistics.
func healthHandler(pool *pgxpool.Pool, reg *registry.Registry, rt *router.Router, gw *gateway.Gateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		regStats := reg.Stats()
		health.Components["registry"] = map[string]any{
			"connections":   regStats.Connections,
			"users":         regStats.Users,
			"conversations": regStats.Conversations,
		}

		rtStats := rt.Stats()
		health.Components["router"] = map[string]any{
			"routed":     rtStats.Routed,
			"delivered":  rtStats.Delivered,
			"overflows":  rtStats.Overflows,
			"sequencers": rtStats.Sequencers,
		}

		gwStats := gw.Stats()
		health.Components["gateway"] = map[string]any{
			"accepted":      gwStats.Accepted,
			"auth_failures": gwStats.AuthFailures,
			"malformed":     gwStats.MalformedEvents,
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}
