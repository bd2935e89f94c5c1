// Package main is the entry point for the standalone MCP server binary.
// bitk-mcp exposes the bitk issue engine to MCP-compatible clients
// (Claude Desktop, Cursor, Codex, etc.) without going through the HTTP
// gateway: tools operate directly on the issue service over the shared
// database.
//
// By default the server speaks MCP over stdio, the transport used by
// clients that spawn the binary as a subprocess. With -port it instead
// serves SSE (/sse) and Streamable HTTP (/mcp) on a TCP port.
package main

import (
	"context"
	"flag"
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
	"github.com/bitk/bitk/internal/issue"
	"github.com/bitk/bitk/internal/issue/repository/sqlite"
	"github.com/bitk/bitk/internal/mcpserver"
)

var (
	portFlag      = flag.Int("port", 0, "serve SSE and Streamable HTTP on this port instead of stdio")
	logLevelFlag  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr: in stdio mode stdout carries the MCP stream.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("MCP_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag("MCP_LOG_FORMAT", *logFormatFlag),
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("bitk-mcp failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = busCleanup() }()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	repo, err := sqlite.New(pool)
	if err != nil {
		return err
	}

	registry := engine.NewRegistry(log)
	registry.Register(claude.New(log))
	registry.Register(gemini.New(log))
	registry.Register(codex.New(log))
	registry.Register(echo.New(log))

	svc := issue.NewService(cfg, repo, registry, provided.Bus, log)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		svc.Stop(stopCtx)
	}()

	port := getEnvIntOrFlag("MCP_PORT", *portFlag)
	srv := mcpserver.New(mcpserver.Config{Port: port}, svc, log)

	if port == 0 {
		// Stdio blocks until the client closes the stream.
		go func() {
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			cancel()
		}()
		return srv.ServeStdio(ctx)
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("MCP server started",
		zap.String("sse_endpoint", srv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down bitk-mcp...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return srv.Stop(stopCtx)
}

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

// getEnvIntOrFlag returns the environment variable value as int if set, otherwise the flag value.
func getEnvIntOrFlag(envKey string, flagValue int) int {
	if v := os.Getenv(envKey); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return flagValue
}
