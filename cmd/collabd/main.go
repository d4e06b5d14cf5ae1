// collabd server — serves the collaborative board REST and WebSocket
// API, runs the board agent, and maintains stored state in PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/opencanvas/collabd/pkg/agent"
	"github.com/opencanvas/collabd/pkg/api"
	"github.com/opencanvas/collabd/pkg/cleanup"
	"github.com/opencanvas/collabd/pkg/config"
	"github.com/opencanvas/collabd/pkg/hub"
	"github.com/opencanvas/collabd/pkg/llm"
	"github.com/opencanvas/collabd/pkg/presence"
	"github.com/opencanvas/collabd/pkg/services"
	"github.com/opencanvas/collabd/pkg/store"
	"github.com/opencanvas/collabd/pkg/trace"
	"github.com/opencanvas/collabd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	envFile := flag.String("env-file",
		getEnv("ENV_FILE", ".env"),
		"Path to an optional .env file")
	flag.Parse()

	// Load .env file; environment variables always win over file values
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	slog.Info("Starting collabd", "version", version.GitCommit)

	ctx := context.Background()

	// 1. Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the store: database pool, migrations, notify listener
	dbConfig, err := store.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	st, err := store.New(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 3. Hub registry: per-board fan-out and presence tracking
	registry := hub.NewRegistry(st, st, hub.RegistryConfig{
		Hub: hub.Options{
			ReapInterval: cfg.Presence.ReapInterval,
			Stale:        cfg.Presence.Stale,
		},
		Presence: presence.Options{
			Throttle:   cfg.Presence.Throttle(),
			Stale:      cfg.Presence.Stale,
			StaleStore: cfg.Presence.StaleStore,
		},
	})

	// 4. Domain services
	boardService := services.NewBoardService(st)
	objectService := services.NewObjectService(st, registry)
	presenceService := services.NewPresenceService(st, cfg.Presence.Stale)
	slog.Info("Services initialized")

	// 5. LLM client, tracing, and the board-agent executor
	traceClient := trace.NewClient(cfg.Langfuse)
	tracer := trace.NewTracer(traceClient)
	if tracer.Enabled() {
		slog.Info("Langfuse tracing enabled", "host", cfg.Langfuse.Host)
	} else {
		slog.Info("Langfuse tracing disabled; set LANGFUSE_SECRET_KEY and LANGFUSE_PUBLIC_KEY to enable")
	}

	llmClient := llm.NewAnthropicClient(cfg.Agent)
	executor := agent.NewExecutor(llmClient, st, registry, tracer, cfg.Agent)
	slog.Info("Agent executor initialized", "model", cfg.Agent.AnthropicModel, "max_turns", cfg.Agent.MaxTurns)

	// 6. Retention: event-log pruning, orphaned presence, dangling connectors
	cleanupService := cleanup.NewService(cfg.Retention, cfg.Presence.StaleStore, st, registry)
	cleanupService.Start(ctx)

	// 7. HTTP server
	httpServer := api.NewServer(cfg, st, registry, boardService, objectService, presenceService)
	httpServer.SetAgentRunner(executor)
	httpServer.SetObservability(traceClient)

	// 8. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("collabd started successfully", "http_port", cfg.HTTPPort)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting requests, then stop the
	// retention loop, then close every hub so WebSocket sessions unwind.
	// The store closes last via the deferred Close.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	cleanupService.Stop()
	registry.Close()

	slog.Info("Shutdown complete")
}
