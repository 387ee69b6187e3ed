package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/queuedrain/queuedrain/output"
	"github.com/queuedrain/queuedrain/store"
)

// updatedByAPI stamps store mutations made through the HTTP API, so workers
// never mistake them for their own cursor writes.
const updatedByAPI = "api"

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListOutputs returns all output configurations.
func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

// handleGetOutput returns a single output configuration by id.
func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("output %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleCreateOutput creates an output configuration. A missing id is
// assigned. The supervisor picks the change up through the store's event.
func (s *Server) handleCreateOutput(w http.ResponseWriter, r *http.Request) {
	var cfg output.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	cfg.UpdatedBy = updatedByAPI

	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	stored, err := s.store.Create(r.Context(), cfg)
	if err != nil {
		if errors.Is(err, store.ErrOutputExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("output %q already exists", cfg.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

// handleUpdateOutput replaces an output configuration. A zero cursor in the
// body keeps the stored delivery position.
func (s *Server) handleUpdateOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var cfg output.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	cfg.ID = id
	cfg.UpdatedBy = updatedByAPI

	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	if cfg.Cursor == 0 {
		current, ok, err := s.store.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		if ok {
			cfg.Cursor = current.Cursor
		}
	}

	stored, err := s.store.Update(r.Context(), cfg)
	if err != nil {
		if errors.Is(err, store.ErrOutputNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("output %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

// handleDeleteOutput removes an output configuration.
func (s *Server) handleDeleteOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrOutputNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("output %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListWorkers returns the supervisor's live worker registry.
func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Workers())
}

type queueStatus struct {
	Name      string `json:"name"`
	LatestSeq int64  `json:"latest_seq"`
}

// handleListQueues returns all known queues with their newest sequence.
func (s *Server) handleListQueues(w http.ResponseWriter, _ *http.Request) {
	names := s.queues.Names()
	statuses := make([]queueStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, queueStatus{
			Name:      name,
			LatestSeq: s.queues.Get(name).LatestSeq(),
		})
	}
	writeJSON(w, http.StatusOK, statuses)
}

type publishRequest struct {
	RoutingKey string `json:"routing_key"`
	Payload    string `json:"payload"`
}

type publishResponse struct {
	Seq  int64     `json:"seq"`
	Time time.Time `json:"time"`
}

// handlePublishMessage appends a message to the named queue.
func (s *Server) handlePublishMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.RoutingKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "routing_key is required")
		return
	}

	seq := s.queues.Get(name).Append(req.RoutingKey, req.Payload)
	writeJSON(w, http.StatusAccepted, publishResponse{Seq: seq, Time: time.Now()})
}
