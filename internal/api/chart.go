package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratvm/stratvm/internal/cache"
)

// handleChart serves the cached per-ticker detail payload for a completed
// task, forwarding the stored JSON bytes verbatim.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	ticker := chi.URLParam(r, "ticker")

	payload, err := s.cache.GetDetail(r.Context(), taskID, ticker)
	if errors.Is(err, cache.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "detail not found or expired")
		return
	}
	if err != nil {
		s.logger.Error("get detail", "task_id", taskID, "ticker", ticker, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch detail")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
