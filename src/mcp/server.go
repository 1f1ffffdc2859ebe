package mcp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/worktree-dev/ptysuperd/src/config"
	"github.com/worktree-dev/ptysuperd/src/supervisor"
)

// Server represents the MCP server
type Server struct {
	mcpServer *mcp.Server
	sup       *supervisor.Supervisor
	cfg       *config.Manager
	engine    *gin.Engine
}

// NewServer creates a new MCP server using the official SDK, exposing
// the same shell operations as the HTTP handler as MCP tools.
func NewServer(ginEngine *gin.Engine, sup *supervisor.Supervisor, cfg *config.Manager) (*Server, error) {
	logrus.Info("Creating MCP server")

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "ptysuperd",
			Version: "1.0.0",
		},
		nil,
	)

	server := &Server{
		mcpServer: mcpServer,
		sup:       sup,
		cfg:       cfg,
		engine:    ginEngine,
	}

	logrus.Info("Registering tools")
	if err := server.registerShellTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	logrus.Info("Tools registered")

	server.setupHTTPEndpoints()

	return server, nil
}

// Serve starts the MCP server
func (s *Server) Serve() error {
	// The server is served via HTTP endpoints through Gin
	return nil
}

// setupHTTPEndpoints sets up the HTTP endpoints using the official SDK pattern
func (s *Server) setupHTTPEndpoints() {
	handler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)

	s.engine.Any("/mcp/*path", gin.WrapH(http.StripPrefix("/mcp", handler)))
	s.engine.Any("/mcp", gin.WrapH(handler))

	logrus.Info("MCP HTTP endpoints configured at /mcp")
}

// LogToolCall wraps a tool handler function with logging middleware
func LogToolCall[T any, R any](toolName string, handler func(ctx context.Context, req *mcp.CallToolRequest, args T) (*mcp.CallToolResult, R, error)) func(context.Context, *mcp.CallToolRequest, T) (*mcp.CallToolResult, R, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args T) (*mcp.CallToolResult, R, error) {
		start := time.Now()
		logrus.Infof("Tool call started: %s", toolName)

		result, output, err := handler(ctx, req, args)

		duration := time.Since(start)
		if err != nil {
			logrus.Errorf("Tool call failed: %s (duration: %v, error: %v)", toolName, duration, err)
			if err.Error() == "" {
				err = fmt.Errorf("tool %s failed with unknown error", toolName)
			}
		} else {
			logrus.Infof("Tool call completed: %s (duration: %v)", toolName, duration)
		}

		return result, output, err
	}
}
