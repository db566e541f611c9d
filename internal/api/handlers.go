package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/peng/internal/history"
)

// maxListLimit caps ?limit on GET /invocations.
const maxListLimit = 500

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Profile:       s.config.Profile,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Subscribers:   s.events.Subscribers(),
	})
}

// handleListInvocations handles GET /invocations?limit=N&mode=m
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	f := history.ListFilter{Mode: r.URL.Query().Get("mode")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		f.Limit = n
	}

	records, err := s.history.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list invocations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, InvocationListResponse{Invocations: records, Count: len(records)})
}

// handleGetInvocation handles GET /invocations/{id}
func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.history.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "invocation not found")
			return
		}
		s.logger.Error("failed to get invocation", "invocation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleOpenAPI handles GET /openapi.json
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Token != ""))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
