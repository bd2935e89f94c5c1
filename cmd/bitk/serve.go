package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/common/config"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/db"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/engine/claude"
	"github.com/bitk/bitk/internal/engine/codex"
	"github.com/bitk/bitk/internal/engine/echo"
	"github.com/bitk/bitk/internal/engine/gemini"
	"github.com/bitk/bitk/internal/events"
	"github.com/bitk/bitk/internal/events/scoped"
	httpapi "github.com/bitk/bitk/internal/gateway/http"
	gateways "github.com/bitk/bitk/internal/gateway/websocket"
	"github.com/bitk/bitk/internal/issue"
	"github.com/bitk/bitk/internal/issue/repository/sqlite"
	"github.com/bitk/bitk/internal/telemetry"
)

func runServe() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)
	httpapi.Version = version

	log.Info("Starting bitk...", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS when configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// 4. Storage
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()

	repo, err := sqlite.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize repository", zap.Error(err))
	}

	// 5. Engine adapters
	registry := engine.NewRegistry(log)
	registry.Register(claude.New(log))
	registry.Register(gemini.New(log))
	registry.Register(codex.New(log))
	registry.Register(echo.New(log))

	// 6. Issue engine
	svc := issue.NewService(cfg, repo, registry, provided.Bus, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start issue engine", zap.Error(err))
	}

	// 7. Gateways
	sub := scoped.NewSubscriber(provided.Bus, svc, log)
	server := httpapi.New(cfg, svc, sub, log)

	hub := gateways.NewHub(log)
	go hub.Run(ctx)
	wsHandler := gateways.NewHandler(hub, sub, svc, log)
	server.Router().GET("/ws", wsHandler.HandleConnection)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("HTTP gateway error", zap.Error(err))
			cancel()
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("Shutting down bitk...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP gateway shutdown error", zap.Error(err))
	}
	svc.Stop(shutdownCtx)

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	log.Info("bitk stopped")
}
