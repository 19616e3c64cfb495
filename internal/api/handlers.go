package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/patchscout/patchscout/internal/models"
	"github.com/patchscout/patchscout/internal/run"
)

// StartRunRequest is the POST /api/runs body.
type StartRunRequest struct {
	PatchHandle string `json:"patch_handle"`
}

// StartRunResponse identifies the run now covering the patch.
type StartRunResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Started bool   `json:"started"`
}

// handleStartRun serves POST /api/runs. A fresh run answers 202; a request landing
// on an already-active patch answers 200 with the existing run's id.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PatchHandle == "" {
		writeAPIError(w, r, http.StatusBadRequest,
			"patch_handle is required", ErrCodeInvalidParameter, "")
		return
	}

	runRecord, started, err := s.coord.StartRun(r.Context(), req.PatchHandle)
	if errors.Is(err, run.ErrPatchNotFound) {
		writeAPIError(w, r, http.StatusNotFound,
			"patch not found", ErrCodeNotFound, req.PatchHandle)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("patch", req.PatchHandle).Msg("Failed to start run")
		writeAPIError(w, r, http.StatusInternalServerError,
			"could not start run", ErrCodeInternalError, "")
		return
	}

	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	respondJSON(w, status, StartRunResponse{
		RunID:   runRecord.ID,
		Status:  string(runRecord.Status),
		Started: started,
	})
}

// handleGetRun serves GET /api/runs/{id}. Active runs carry live counters.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runRecord, err := s.coord.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("run", id).Msg("Failed to load run")
		writeAPIError(w, r, http.StatusInternalServerError,
			"could not load run", ErrCodeInternalError, "")
		return
	}
	if runRecord == nil {
		writeAPIError(w, r, http.StatusNotFound, "run not found", ErrCodeNotFound, id)
		return
	}
	respondJSON(w, http.StatusOK, runRecord)
}

var validScanStatuses = map[models.ScanStatus]bool{
	models.ScanNotScanned:    true,
	models.ScanScanning:      true,
	models.ScanScanned:       true,
	models.ScanScannedDenied: true,
}

// handleListCitations serves GET /api/patches/{handle}/citations?status=&limit=.
func (s *Server) handleListCitations(w http.ResponseWriter, r *http.Request) {
	patch, ok := s.resolvePatch(w, r)
	if !ok {
		return
	}

	status := models.ScanStatus(r.URL.Query().Get("status"))
	if status != "" && !validScanStatuses[status] {
		writeAPIError(w, r, http.StatusBadRequest,
			"invalid scan status", ErrCodeInvalidParameter, string(status))
		return
	}
	limit, err := parseIntQuery(r, "limit", 100, 500)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest,
			"limit must be an integer in [0,500]", ErrCodeInvalidParameter, "")
		return
	}

	citations, err := s.store.Citations.ListByPatch(r.Context(), patch.ID, status, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("patch", patch.Handle).Msg("Failed to list citations")
		writeAPIError(w, r, http.StatusInternalServerError,
			"could not list citations", ErrCodeInternalError, "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"patch":     patch.Handle,
		"count":     len(citations),
		"citations": citations,
	})
}

// handleListContent serves GET /api/patches/{handle}/content?limit=.
func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	patch, ok := s.resolvePatch(w, r)
	if !ok {
		return
	}
	limit, err := parseIntQuery(r, "limit", 100, 500)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest,
			"limit must be an integer in [0,500]", ErrCodeInvalidParameter, "")
		return
	}

	content, err := s.store.Content.ListByPatch(r.Context(), patch.ID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("patch", patch.Handle).Msg("Failed to list content")
		writeAPIError(w, r, http.StatusInternalServerError,
			"could not list content", ErrCodeInternalError, "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"patch":   patch.Handle,
		"count":   len(content),
		"content": content,
	})
}

// handleListRuns serves GET /api/patches/{handle}/runs?limit=, run history
// newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	patch, ok := s.resolvePatch(w, r)
	if !ok {
		return
	}
	limit, err := parseIntQuery(r, "limit", 50, 200)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest,
			"limit must be an integer in [0,200]", ErrCodeInvalidParameter, "")
		return
	}

	runs, err := s.store.Runs.ListByPatch(r.Context(), patch.ID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("patch", patch.Handle).Msg("Failed to list runs")
		writeAPIError(w, r, http.StatusInternalServerError,
			"could not list runs", ErrCodeInternalError, "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"patch": patch.Handle,
		"count": len(runs),
		"runs":  runs,
	})
}

// resolvePatch loads the patch named by the {handle} path segment, writing
// the error response itself when it cannot.
func (s *Server) resolvePatch(w http.ResponseWriter, r *http.Request) (*models.Patch, bool) {
	handle := r.PathValue("handle")
	patch, err := s.store.Patches.GetByHandle(r.Context(), handle)
	if err != nil {
		s.logger.Error().Err(err).Str("handle", handle).Msg("Failed to resolve patch")
		writeAPIError(w, r, http.StatusInternalServerError,
			"could not resolve patch", ErrCodeInternalError, "")
		return nil, false
	}
	if patch == nil {
		writeAPIError(w, r, http.StatusNotFound, "patch not found", ErrCodeNotFound, handle)
		return nil, false
	}
	return patch, true
}
