package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type backfillRequest struct {
	Backend string `json:"backend"`
}

func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	if s.Backfills == nil {
		writeErr(w, http.StatusServiceUnavailable, errBackfillDisabled)
		return
	}
	var req backfillRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, badRequest("invalid json"))
		return
	}
	backend := strings.TrimSpace(req.Backend)
	if backend == "" && s.Embed != nil {
		backend = s.Embed.Active()
	}
	if backend == "" {
		writeErr(w, http.StatusBadRequest, badRequest("backend is required"))
		return
	}

	wfID, runID, err := s.Backfills.Start(r.Context(), backend)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("backfill started",
		zap.String("workflow_id", wfID),
		zap.String("backend", backend),
		zap.String("requested_by", userID(r)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": wfID,
		"run_id":      runID,
		"backend":     backend,
	})
}

func (s *Server) handleBackfillProgress(w http.ResponseWriter, r *http.Request) {
	if s.Backfills == nil {
		writeErr(w, http.StatusServiceUnavailable, errBackfillDisabled)
		return
	}
	progress, err := s.Backfills.Progress(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
