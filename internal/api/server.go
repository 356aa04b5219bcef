// Package api exposes the engine RPC surface to the control plane over
// HTTP: workflow lifecycle, listing, history paging, and the live
// execution stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/engine"
	"github.com/linkflow/engine/internal/observability"
	"github.com/linkflow/engine/internal/stream"
	"github.com/linkflow/engine/internal/types"
	"github.com/linkflow/engine/internal/visibility"
)

// Config holds the server knobs.
type Config struct {
	ListenAddr  string
	BearerToken string
}

// Server wires the engine into a chi router.
type Server struct {
	engine     *engine.Engine
	visibility visibility.Store
	hub        *stream.Hub
	cfg        Config
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func NewServer(eng *engine.Engine, vis visibility.Store, hub *stream.Hub, cfg Config, logger *zap.Logger) *Server {
	return &Server{
		engine:     eng,
		visibility: vis,
		hub:        hub,
		cfg:        cfg,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/namespaces/{namespace}", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/workflows", s.handleStartWorkflow)
		r.Get("/workflows/{workflowID}", s.handleGetExecution)
		r.Post("/workflows/{workflowID}/cancel", s.handleCancelExecution)
		r.Post("/workflows/{workflowID}/retry", s.handleRetryExecution)
		r.Post("/workflows/{workflowID}/signal", s.handleSendSignal)
		r.Get("/workflows/{workflowID}/runs/{runID}/history", s.handleGetHistory)
		r.Get("/executions", s.handleListExecutions)
	})

	r.Get("/ws/executions", s.handleStream)
	return r
}

// ListenAndServe runs the server until the listener fails.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api server listening", zap.String("addr", s.cfg.ListenAddr))
	return http.ListenAndServe(s.cfg.ListenAddr, s.Router())
}

// authenticate enforces the static bearer token when one is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.BearerToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.cfg.BearerToken {
				s.writeError(w, r, "auth", errUnauthenticated)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, "start_workflow", badRequest("malformed request body"))
		return
	}
	req.NamespaceID = chi.URLParam(r, "namespace")

	resp, err := s.engine.StartWorkflow(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, "start_workflow", err)
		return
	}
	status := http.StatusCreated
	if !resp.Started {
		status = http.StatusOK
	}
	s.writeJSON(w, "start_workflow", status, resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	details, err := s.engine.GetExecution(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, "get_execution", err)
		return
	}
	s.writeJSON(w, "get_execution", http.StatusOK, details)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	err := s.engine.CancelExecution(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "workflowID"), body.Reason)
	if err != nil {
		s.writeError(w, r, "cancel_execution", err)
		return
	}
	s.writeJSON(w, "cancel_execution", http.StatusOK, map[string]bool{"canceled": true})
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.RetryExecution(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, "retry_execution", err)
		return
	}
	s.writeJSON(w, "retry_execution", http.StatusCreated, resp)
}

func (s *Server) handleSendSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SignalName string          `json:"signal_name"`
		Data       json.RawMessage `json:"data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SignalName == "" {
		s.writeError(w, r, "send_signal", badRequest("signal_name is required"))
		return
	}
	err := s.engine.SendSignal(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "workflowID"), body.SignalName, body.Data)
	if err != nil {
		s.writeError(w, r, "send_signal", err)
		return
	}
	s.writeJSON(w, "send_signal", http.StatusOK, map[string]bool{"delivered": true})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	key := types.ExecutionKey{
		NamespaceID: chi.URLParam(r, "namespace"),
		WorkflowID:  chi.URLParam(r, "workflowID"),
		RunID:       chi.URLParam(r, "runID"),
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	events, nextToken, err := s.engine.GetHistoryPage(r.Context(), key, pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		s.writeError(w, r, "get_history", err)
		return
	}
	s.writeJSON(w, "get_history", http.StatusOK, map[string]any{
		"events":          events,
		"next_page_token": nextToken,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	pageToken := r.URL.Query().Get("page_token")

	var (
		records   []*types.VisibilityRecord
		nextToken string
		err       error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "", "open":
		records, nextToken, err = s.visibility.ListOpen(r.Context(), namespace, pageSize, pageToken)
	case "closed":
		records, nextToken, err = s.visibility.ListClosed(r.Context(), namespace, pageSize, pageToken)
	default:
		s.writeError(w, r, "list_executions", badRequest("status must be open or closed"))
		return
	}
	if err != nil {
		s.writeError(w, r, "list_executions", err)
		return
	}
	s.writeJSON(w, "list_executions", http.StatusOK, map[string]any{
		"executions":      records,
		"next_page_token": nextToken,
	})
}

// handleStream upgrades to a websocket subscribed to a namespace's
// lifecycle events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		s.writeError(w, r, "stream", badRequest("namespace is required"))
		return
	}
	if s.cfg.BearerToken != "" && r.URL.Query().Get("token") != s.cfg.BearerToken {
		s.writeError(w, r, "stream", errUnauthenticated)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Register(conn, namespace)

	// Read pump: drain client frames so pings are answered and closes
	// noticed.
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, method string, status int, body any) {
	observability.APIRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write response failed", zap.Error(err))
	}
}

var errUnauthenticated = errors.New("unauthenticated")

type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(message string) error {
	return &requestError{status: http.StatusBadRequest, message: message}
}

// writeError maps the engine error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, method string, err error) {
	status := http.StatusInternalServerError
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		status = reqErr.status
	case errors.Is(err, errUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, types.ErrExecutionNotFound), errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, types.ErrInvalidWorkflow):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrRateLimited), errors.Is(err, types.ErrQueueFull):
		status = http.StatusTooManyRequests
	}

	if status >= 500 {
		s.logger.Error("request failed",
			zap.String("method", method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, method, status, map[string]string{"error": err.Error()})
}
