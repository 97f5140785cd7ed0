// Package mcpserver exposes the orchestrator's operations as MCP tools.
// Every child agent gets pointed back here through its generated
// mcp-config.json, so the tools double as the agent-to-agent messaging
// surface and the permission prompt endpoint.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/common/config"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/orchestrator"
)

// Config holds the MCP server configuration.
type Config struct {
	// Port to listen on. 0 picks a free port; Start records the choice.
	Port int

	// DefaultSendTimeout applies when send_message carries no timeout_ms.
	DefaultSendTimeout time.Duration
}

// NewConfig extracts the MCP server configuration.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Port:               cfg.Server.McpPort,
		DefaultSendTimeout: cfg.Timeouts.DefaultSend,
	}
}

// Server wraps the SSE and Streamable HTTP servers with lifecycle management.
// Both transports are mounted on one port for compatibility with different
// MCP clients:
// - SSE transport (/sse, /message) for Claude-family agents
// - Streamable HTTP transport (/mcp) for newer clients
type Server struct {
	cfg                  Config
	orch                 *orchestrator.Orchestrator
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates an MCP server serving the given orchestrator.
func New(cfg Config, orch *orchestrator.Orchestrator, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:    cfg,
		orch:   orch,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start starts the MCP server in a goroutine and returns when it's listening.
// Both transports share one MCPServer instance and one TCP port.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"iris",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerTools(mcpServer, s.orch, s.cfg, s.logger)

	// Children dial the per-session URL from their generated mcp-config;
	// the context funcs lift its session_id onto every tool call, and the
	// SSE message endpoint keeps the query so follow-up POSTs carry it too.
	s.sseServer = server.NewSSEServer(mcpServer,
		server.WithSSEContextFunc(sessionIDContext),
		server.WithAppendQueryToMessageEndpoint(),
	)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(sessionIDContext),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	// Listen before reporting ready so a taken port fails the caller,
	// and so Port reflects the kernel's pick when it was 0.
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
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

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	// Shutting the HTTP server down stops both transports.
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	// Close any sessions the transports still hold open.
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}

type sessionIDKey struct{}

// sessionIDContext copies the session_id query parameter onto the
// request context so handlers can attribute the call to a child.
func sessionIDContext(ctx context.Context, r *http.Request) context.Context {
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		return context.WithValue(ctx, sessionIDKey{}, sid)
	}
	return ctx
}

func sessionIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(sessionIDKey{}).(string)
	return sid
}

// Port returns the port the server is bound to, resolved after Start.
func (s *Server) Port() int {
	return s.cfg.Port
}
