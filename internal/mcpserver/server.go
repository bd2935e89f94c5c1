// Package mcpserver exposes the issue engine to MCP clients. Tools operate
// directly on the issue service, so the MCP surface works without the HTTP
// gateway. Two transports are supported:
// - stdio for clients spawned as a subprocess (bitk-mcp binary)
// - SSE (/sse) and Streamable HTTP (/mcp) on a TCP port for desktop clients
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/issue"
)

// Name and Version identify the MCP server to clients during initialize.
const Name = "bitk-mcp"

// Version is stamped at build time via ldflags.
var Version = "dev"

// Config holds the MCP server configuration.
type Config struct {
	Port int // Port for the HTTP transports; ignored by ServeStdio
}

// Server wraps the MCP tool server with lifecycle management for the HTTP
// transports. Stdio serving is a blocking call and needs no lifecycle.
type Server struct {
	cfg       Config
	mcpServer *server.MCPServer

	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server

	mu      sync.Mutex
	running bool
	log     *logger.Logger
}

// New creates an MCP server whose tools operate on the given issue service.
func New(cfg Config, svc *issue.Service, log *logger.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "mcp-server")),
	}

	s.mcpServer = server.NewMCPServer(
		Name,
		Version,
		server.WithToolCapabilities(true),
	)
	registerTools(s.mcpServer, svc, s.log)
	return s
}

// ServeStdio serves MCP over stdin/stdout and blocks until the stream closes
// or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.log.Info("MCP server serving on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// Start starts the HTTP transports in a goroutine and returns once the
// listener is up. Both SSE and Streamable HTTP share the port.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	s.sseServer = server.NewSSEServer(s.mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the HTTP transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// Port returns the bound port once Start has returned.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Port
}

// SSEEndpoint returns the SSE URL for clients on this host.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.Port())
}

// StreamableHTTPEndpoint returns the Streamable HTTP URL for clients on this host.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.Port())
}
