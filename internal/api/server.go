// Package api implements the HTTP API: streaming chat over SSE and
// WebSocket, an OpenAI-compatible completions endpoint, routing
// introspection, and the debug surfaces for tool routing and
// knowledge-base search.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/switchyard/internal/buildinfo"
	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/connwatch"
	"github.com/nugget/switchyard/internal/orchestrator"
	"github.com/nugget/switchyard/internal/retrieval"
	"github.com/nugget/switchyard/internal/strategy"
	"github.com/nugget/switchyard/internal/toolrouter"
	"github.com/nugget/switchyard/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Router routes one chat request.
type Router interface {
	Route(ctx context.Context, req orchestrator.Request, onToken strategy.TokenFunc) (*orchestrator.Response, error)
}

// ToolRouter makes the web-search decision exposed for debugging.
type ToolRouter interface {
	DetermineTool(ctx context.Context, req toolrouter.Request) toolrouter.Result
}

// Retriever searches a knowledge base.
type Retriever interface {
	PerformSearch(ctx context.Context, messages []chat.Message, kbID, user string) (*retrieval.Result, error)
}

// DecisionStore lists persisted routing decisions.
type DecisionStore interface {
	Recent(ctx context.Context, limit int) ([]usage.Record, error)
}

// HealthReporter reports upstream provider reachability.
type HealthReporter interface {
	Status() []connwatch.ServiceStatus
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	router    Router
	audit     *orchestrator.AuditLog
	tools     ToolRouter
	retrieval Retriever
	decisions DecisionStore
	health    HealthReporter
	models    []chat.ModelConfig
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, rtr Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		router:  rtr,
		logger:  logger.With("component", "api"),
	}
}

// SetAuditLog enables the in-memory routing introspection endpoints.
func (s *Server) SetAuditLog(a *orchestrator.AuditLog) {
	s.audit = a
}

// SetToolRouter enables POST /v1/tools/route.
func (s *Server) SetToolRouter(t ToolRouter) {
	s.tools = t
}

// SetRetriever enables knowledge-base search.
func (s *Server) SetRetriever(r Retriever) {
	s.retrieval = r
}

// SetDecisionStore enables GET /v1/routing/decisions.
func (s *Server) SetDecisionStore(d DecisionStore) {
	s.decisions = d
}

// SetHealth adds provider status to GET /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetModels sets the model catalog. Requests naming a catalog model by
// id alone pick up its routing flags.
func (s *Server) SetModels(models []chat.ModelConfig) {
	s.models = models
}

// Handler builds the request multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)

	// OpenAI-compatible endpoints
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Debug surfaces
	mux.HandleFunc("POST /v1/tools/route", s.handleToolRoute)
	mux.HandleFunc("POST /v1/knowledge/{id}/search", s.handleKnowledgeSearch)

	// Routing introspection
	mux.HandleFunc("GET /v1/routing/decisions", s.handleRoutingDecisions)
	mux.HandleFunc("GET /v1/routing/stats", s.handleRoutingStats)
	mux.HandleFunc("GET /v1/routing/audit", s.handleRoutingAudit)
	mux.HandleFunc("GET /v1/routing/explain/{requestId}", s.handleRoutingExplain)

	// Health and metrics
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
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

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Switchyard",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth always answers 200 while the process is serving. A down
// provider only degrades the status since other strategies may still
// answer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	}, s.logger)
}

// resolveModel fills in the catalog entry when the client named a model
// by id only.
func (s *Server) resolveModel(m chat.ModelConfig) chat.ModelConfig {
	if m.Name != "" {
		return m
	}
	for _, c := range s.models {
		if c.ID == m.ID {
			return c
		}
	}
	return m
}

type toolRouteRequest struct {
	Messages       []chat.Message `json:"messages"`
	CurrentMessage string         `json:"currentMessage"`
	ForceWebSearch bool           `json:"forceWebSearch"`
}

// handleToolRoute exposes the tool router decision.
// POST /v1/tools/route {"messages": [...], "currentMessage": "..."}
func (s *Server) handleToolRoute(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tool router not configured")
		return
	}

	var req toolRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CurrentMessage == "" {
		if last, ok := chat.LastUserMessage(req.Messages); ok {
			req.CurrentMessage = last.Text()
		}
	}
	if req.CurrentMessage == "" {
		s.errorResponse(w, http.StatusBadRequest, "currentMessage is required")
		return
	}

	res := s.tools.DetermineTool(r.Context(), toolrouter.Request{
		CurrentMessage: req.CurrentMessage,
		Messages:       req.Messages,
		ForceWebSearch: req.ForceWebSearch,
	})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

type knowledgeSearchRequest struct {
	Messages []chat.Message `json:"messages"`
	User     string         `json:"user,omitempty"`
}

// handleKnowledgeSearch runs retrieval against one knowledge base.
// POST /v1/knowledge/{id}/search {"messages": [...]}
func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	if s.retrieval == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "retrieval not configured")
		return
	}

	var req knowledgeSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.retrieval.PerformSearch(r.Context(), req.Messages, r.PathValue("id"), req.User)
	switch {
	case errors.Is(err, retrieval.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, retrieval.ErrNoUserMessage):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("knowledge search failed", "kb", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "search failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

// Routing introspection handlers

func (s *Server) handleRoutingDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "decision store not configured")
		return
	}

	recs, err := s.decisions.Recent(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("failed to list routing decisions", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(recs),
		"decisions": recs,
	}, s.logger)
}

func (s *Server) handleRoutingStats(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.audit.Stats(), s.logger)
}

func (s *Server) handleRoutingAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}

	decisions := s.audit.Recent(parseIntParam(r, "limit", 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRoutingExplain(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}

	decision := s.audit.Explain(r.PathValue("requestId"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultVal
}
