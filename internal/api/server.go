// Package api implements the HTTP channel: a simple chat endpoint, an
// OpenAI-compatible completions endpoint, a websocket chat, and an SSE
// stream of loop events. Every chat request goes through the message
// bus, so HTTP conversations are serialized like any other channel.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/rotbot/internal/buildinfo"
	"github.com/nugget/rotbot/internal/bus"
	"github.com/nugget/rotbot/internal/connwatch"
	"github.com/nugget/rotbot/internal/events"
	"github.com/nugget/rotbot/internal/mcp"
	"github.com/nugget/rotbot/internal/memory"
	"github.com/nugget/rotbot/internal/tools"
)

// Channel names used for conversations started over HTTP.
const (
	ChannelHTTP      = "http"
	ChannelWebSocket = "ws"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnArchive lists archived turns. *memory.Store satisfies it.
type TurnArchive interface {
	Turns(ctx context.Context, convID string, limit int) ([]memory.TurnRecord, error)
}

// MCPStatus reports remote tool server health. *mcp.Manager satisfies it.
type MCPStatus interface {
	Status() []mcp.ServerStatus
}

// ServiceHealth lists watched dependencies. *connwatch.Manager
// satisfies it.
type ServiceHealth interface {
	Status() []connwatch.Status
}

// Config configures a Server. Bus is required.
type Config struct {
	Address string
	Port    int
	// Model is reported by /v1/models and in completion responses.
	Model string

	Bus    *bus.Bus
	Events *events.Bus
	Turns  TurnArchive
	Tools  *tools.Store
	MCP    MCPStatus

	// Services adds dependency health to /v1/health.
	Services ServiceHealth
	// Ping checks the completion service for /v1/health.
	Ping     func(ctx context.Context) error
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "rotbot"
	}
	return &Server{
		cfg:    cfg,
		bus:    cfg.Bus,
		logger: cfg.Logger.With("component", "api"),
	}
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleSimpleChat)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}/turns", s.handleConversationTurns)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationCancel)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/mcp", s.handleMCP)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: chat and event streams run as long as a turn.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush and Hijack.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "rotbot",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"uptime": buildinfo.Uptime().String(),
		"active": len(s.bus.Active()),
	}
	if s.cfg.Services != nil {
		resp["services"] = s.cfg.Services.Status()
	}
	if s.cfg.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["llm_error"] = err.Error()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{
				"id":       s.cfg.Model,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": "rotbot",
			},
		},
	}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, _ *http.Request) {
	active := s.bus.Active()
	out := make([]map[string]any, 0, len(active))
	for _, id := range active {
		out = append(out, map[string]any{"id": id, "pending": s.bus.Pending(id)})
	}
	writeJSON(w, map[string]any{"active": out}, s.logger)
}

func (s *Server) handleConversationTurns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Turns == nil {
		s.errorResponse(w, http.StatusNotImplemented, "turn archive not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}
	turns, err := s.cfg.Turns.Turns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Error("listing turns failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list turns")
		return
	}
	writeJSON(w, map[string]any{"turns": turns}, s.logger)
}

func (s *Server) handleConversationCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dropped := s.bus.Cancel(id)
	writeJSON(w, map[string]any{"conversation_id": id, "dropped": dropped}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Tools == nil {
		writeJSON(w, map[string]any{"tools": []tools.Spec{}}, s.logger)
		return
	}
	snap := s.cfg.Tools.Snapshot()
	writeJSON(w, map[string]any{"version": snap.Version(), "tools": snap.List()}, s.logger)
}

func (s *Server) handleMCP(w http.ResponseWriter, _ *http.Request) {
	servers := []mcp.ServerStatus{}
	if s.cfg.MCP != nil {
		servers = s.cfg.MCP.Status()
	}
	writeJSON(w, map[string]any{"servers": servers}, s.logger)
}
