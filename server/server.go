// Package server exposes the HTTP API: output configuration CRUD, worker
// registry inspection, and message ingestion.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/queuedrain/queuedrain/queue"
	"github.com/queuedrain/queuedrain/store"
	"github.com/queuedrain/queuedrain/supervisor"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store      store.OutputStore
	Supervisor *supervisor.Supervisor
	Queues     *queue.Registry
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the QueueDrain HTTP API server.
type Server struct {
	store      store.OutputStore
	supervisor *supervisor.Supervisor
	queues     *queue.Registry
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		store:      cfg.Store,
		supervisor: cfg.Supervisor,
		queues:     cfg.Queues,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/outputs", s.handleListOutputs)
	mux.HandleFunc("POST /api/outputs", s.handleCreateOutput)
	mux.HandleFunc("GET /api/outputs/{id}", s.handleGetOutput)
	mux.HandleFunc("PUT /api/outputs/{id}", s.handleUpdateOutput)
	mux.HandleFunc("DELETE /api/outputs/{id}", s.handleDeleteOutput)

	mux.HandleFunc("GET /api/workers", s.handleListWorkers)

	mux.HandleFunc("GET /api/queues", s.handleListQueues)
	mux.HandleFunc("POST /api/queues/{name}/messages", s.handlePublishMessage)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	})
}
