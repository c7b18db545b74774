package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/relay/internal/budget"
	"github.com/ashita-ai/relay/internal/bus"
	"github.com/ashita-ai/relay/internal/orchestrator"
	"github.com/ashita-ai/relay/internal/storage"
)

// Server is the Relay HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
// Optional (nil-safe): MCPServer.
type Config struct {
	DB           *storage.DB
	Orchestrator *orchestrator.Orchestrator
	Bus          *bus.Bus
	Ledger       budget.Ledger
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MonthlyTokenBudget  int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Orchestrator:        cfg.Orchestrator,
		Bus:                 cfg.Bus,
		Ledger:              cfg.Ledger,
		Logger:              cfg.Logger,
		MonthlyTokenBudget:  cfg.MonthlyTokenBudget,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Version:             cfg.Version,
	})

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.Handle("POST /v1/projects/{project_id}/runs", http.HandlerFunc(h.HandleCreateRun))
	mux.Handle("GET /v1/projects/{project_id}/runs", http.HandlerFunc(h.HandleListRuns))
	mux.Handle("GET /v1/runs/{run_id}", http.HandlerFunc(h.HandleGetRun))

	// Event stream (long-lived connection).
	mux.Handle("GET /v1/runs/{run_id}/stream", http.HandlerFunc(h.HandleStreamRun))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no tenant required).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → tenant → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = tenantMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
