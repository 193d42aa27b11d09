package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tannerhall/helmsman/internal/model"
	"github.com/tannerhall/helmsman/internal/orchestrator"
	"github.com/tannerhall/helmsman/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// rollbackRequest is the JSON body for POST /v1/improvements/{id}/rollback.
type rollbackRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (s *Server) handleStartImprovement(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Description == "" {
		s.writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	outcome := s.orch.StartImprovement(r.Context(), req)
	switch {
	case outcome.Accepted:
		s.writeJSON(w, http.StatusAccepted, outcome)
	case outcome.Reason == model.RejectCapacity:
		s.writeJSON(w, http.StatusTooManyRequests, outcome)
	case outcome.Reason == model.RejectSafety:
		s.writeJSON(w, http.StatusUnprocessableEntity, outcome)
	case outcome.Reason == model.RejectValidatorUnavailable:
		s.writeJSON(w, http.StatusServiceUnavailable, outcome)
	default:
		s.logger.Error("start improvement", "error", outcome.Err)
		s.writeError(w, http.StatusInternalServerError, "failed to start improvement")
	}
}

func (s *Server) handleGetImprovement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := s.orch.GetStatus(r.Context(), id)
	if errors.Is(err, orchestrator.ErrCycleNotFound) {
		s.writeError(w, http.StatusNotFound, "improvement not found")
		return
	}
	if err != nil {
		s.logger.Error("get improvement", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get improvement")
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCancelImprovement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.orch.CancelImprovement(r.Context(), id); err != nil {
		if errors.Is(err, orchestrator.ErrCycleNotFound) {
			s.writeError(w, http.StatusNotFound, "improvement not found")
			return
		}
		s.logger.Error("cancel improvement", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel improvement")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"improvement_id": id,
		"status":         "cancelling",
	})
}

func (s *Server) handleRollbackImprovement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req rollbackRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.orch.RollbackImprovement(r.Context(), id, req.Reason, req.Force)
	switch {
	case err == nil:
		report, gerr := s.orch.GetStatus(r.Context(), id)
		if gerr != nil {
			s.writeJSON(w, http.StatusOK, map[string]string{"improvement_id": id, "status": model.ImprovementRolledBack})
			return
		}
		s.writeJSON(w, http.StatusOK, report)
	case errors.Is(err, orchestrator.ErrCycleNotFound) || errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "improvement not found")
	case errors.Is(err, orchestrator.ErrNoRollbackPayload):
		s.writeError(w, http.StatusConflict, "no rollback payload stored; retry with force")
	case errors.Is(err, orchestrator.ErrRollbackFailed):
		s.writeError(w, http.StatusBadGateway, "rollback failed; platform may need manual intervention")
	default:
		s.logger.Error("rollback improvement", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to roll back improvement")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
