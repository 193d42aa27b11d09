package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tannerhall/helmsman/internal/model"
)

const maxPageSize = 100

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := model.ArchiveFilter{Status: q.Get("status")}
	if v := q.Get("min_compliance"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "min_compliance must be a number")
			return
		}
		filter.MinCompliance = f
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = ts
	}

	page := parseIntQuery(r, "page", 1)
	pageSize := parseIntQuery(r, "page_size", 0)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	result, err := s.orch.ListArchive(r.Context(), filter, page, pageSize)
	if err != nil {
		s.logger.Error("list archive", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list archive")
		return
	}

	if result.Records == nil {
		result.Records = []*model.ImprovementRecord{}
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetBandit(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.BanditReport(r.Context())
	if err != nil {
		s.logger.Error("bandit report", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to build bandit report")
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}
