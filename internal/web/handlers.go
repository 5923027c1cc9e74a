package web

import (
	"net/http"

	"github.com/JonMunkholm/labfhir/internal/core"
)

// HealthResponse reports server readiness and run slot usage.
type HealthResponse struct {
	Status  string                   `json:"status"`
	Uploads core.UploadLimiterStatus `json:"uploads"`
	History bool                     `json:"history"`
	DryRun  bool                     `json:"dryRun"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uploads: s.service.UploadLimiterStatus(),
		History: s.service.HistoryEnabled(),
		DryRun:  s.cfg.Pipeline.DryRun,
	})
}

// handleListRuns returns recent runs from history, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", core.DefaultRunsLimit)

	runs, err := s.service.ListRuns(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	if runs == nil {
		runs = []core.RunRecord{}
	}
	writeJSON(w, r, http.StatusOK, runs)
}
