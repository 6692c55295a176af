// Package api serves the coach over HTTP and websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/gymbro/internal/agent"
	"github.com/nugget/gymbro/internal/buildinfo"
	"github.com/nugget/gymbro/internal/connwatch"
	"github.com/nugget/gymbro/internal/llm"
	"github.com/nugget/gymbro/internal/memory"
)

// maxBodyBytes bounds request bodies on JSON endpoints.
const maxBodyBytes = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	loop     *agent.Loop
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	endpoint *connwatch.Watcher
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithEndpointWatcher reports the inference endpoint's reachability on
// /health.
func WithEndpointWatcher(w *connwatch.Watcher) ServerOption {
	return func(s *Server) { s.endpoint = w }
}

// NewServer creates a new API server. The loop should be built with
// [agent.WithSessionOutputs] so sessions do not share output files.
func NewServer(address string, port int, loop *agent.Loop, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		address: address,
		port:    port,
		loop:    loop,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", address, port),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A turn can include two inference calls against a slow local
		// model.
		WriteTimeout: 20 * time.Minute,
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)

	mux.HandleFunc("POST /v1/session/reset", s.handleSessionReset)
	mux.HandleFunc("GET /v1/session/history", s.handleSessionHistory)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)

	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEventsWS)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns nil once [Server.Shutdown]
// is called, even if that happens before Start.
func (s *Server) Start(ctx context.Context) error {
	s.server.Handler = s.Handler()
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// handleHealth reports "degraded" while the inference endpoint is
// unreachable. The server itself still answers with 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.endpoint != nil {
		st := s.endpoint.Status()
		resp["ollama"] = st
		if !st.Ready {
			resp["status"] = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is one completed turn.
type ChatResponse struct {
	SessionID    string        `json:"session_id"`
	Reply        string        `json:"reply"`
	Messages     []llm.Message `json:"messages"`
	FitnessLevel string        `json:"fitness_level"`
	FitnessGoals string        `json:"fitness_goals"`
	Route        string        `json:"route"`
	Trace        []string      `json:"trace,omitempty"`
}

func newChatResponse(res *agent.Result) ChatResponse {
	return ChatResponse{
		SessionID:    res.SessionID,
		Reply:        res.Reply,
		Messages:     res.Messages,
		FitnessLevel: res.FitnessLevel,
		FitnessGoals: res.FitnessGoals,
		Route:        res.Route,
		Trace:        res.Trace,
	}
}

// sessionID validates a client-supplied session ID. Session IDs name
// output directories, so only UUIDs are accepted. An empty id allocates
// a new session.
func sessionID(id string) (string, error) {
	if id == "" {
		return memory.NewSessionID(), nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("invalid session_id: %w", err)
	}
	return parsed.String(), nil
}

// turnStatus maps a turn error to an HTTP status.
func turnStatus(err error) int {
	switch {
	case errors.Is(err, llm.ErrInference):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	id, err := sessionID(req.SessionID)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.loop.Run(r.Context(), id, req.Message)
	if err != nil {
		s.logger.Error("turn failed", "session_id", id, "error", err)
		s.errorResponse(w, turnStatus(err), "turn failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, newChatResponse(res), s.logger)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	// The ID may come in a JSON body or as a query parameter.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if req.SessionID == "" {
		req.SessionID = r.URL.Query().Get("session_id")
	}
	if req.SessionID == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id is required")
		return
	}
	id, err := sessionID(req.SessionID)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.loop.Sessions().Reset(id); err != nil {
		s.logger.Error("session reset failed", "session_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reset failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "session_id": id}, s.logger)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("session_id")
	if raw == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id is required")
		return
	}
	id, err := sessionID(raw)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.loop.Sessions().Snapshot(id)
	if errors.Is(err, memory.ErrSessionNotFound) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	store := s.loop.Sessions().Store()
	ids, err := store.List()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sessions": ids,
		"stats":    store.Stats(),
	}, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.loop.Router().GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	decisions := s.loop.Router().GetAuditLog(limit)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

// handleUsage reports token totals, for one session when session_id is
// given.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	store := s.loop.Usage()
	if store == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking is not enabled")
		return
	}
	id := r.URL.Query().Get("session_id")

	total, err := store.Summary(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	byModel, err := store.SummaryByModel(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	byPurpose, err := store.SummaryByPurpose(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": id,
		"total":      total,
		"by_model":   byModel,
		"by_purpose": byPurpose,
	}, s.logger)
}
