// Package toolserver exposes the workspace and connector tools to agent
// sessions over MCP. Each session gets its own server instance bound to that
// session's sandbox container; the CLI inside the container connects over
// SSE or streamable HTTP.
package toolserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/sandbox"
	"github.com/claudesmith/claudesmith/pkg/agent"
)

// Executor is the subset of the sandbox controller the tools need.
type Executor interface {
	Exec(ctx context.Context, sessionID string, command string, timeout time.Duration) (*sandbox.ExecResult, error)
	ReadFile(ctx context.Context, sessionID string, path string) (string, error)
	WriteFile(ctx context.Context, sessionID string, path string, content string) error
}

// Config holds the tool server configuration for one session.
type Config struct {
	SessionID  string
	Port       int // 0 picks an ephemeral port
	Limits     agent.ResourceLimits
	Connectors []agent.ConnectorRef

	// TokenSource resolves a connector connection id to a bearer token.
	TokenSource TokenSource
}

// Server wraps the MCP server with lifecycle management. Both SSE and
// streamable HTTP transports are served on the same port.
type Server struct {
	cfg      Config
	executor Executor
	logger   *logger.Logger

	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	port                 int
}

// New creates a tool server for a session.
func New(cfg Config, executor Executor, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		executor: executor,
		logger:   log.WithFields(zap.String("component", "toolserver"), zap.String("session_id", cfg.SessionID)),
	}
}

// Start starts the tool server and returns when it is listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("tool server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"claudesmith-tools",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerWorkspaceTools(mcpServer, s.cfg, s.executor, s.logger)
	registerConnectorTools(mcpServer, s.cfg, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
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
		s.port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("tool server listening", zap.Int("port", s.port))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tool server error", zap.Error(err))
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

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tool server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE transport", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable HTTP transport", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the SSE URL the in-container CLI should connect to.
// host.docker.internal resolves to the host from inside bridge-networked
// containers.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://host.docker.internal:%d/sse", s.port)
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}
