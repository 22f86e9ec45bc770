package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/types"
)

// enqueueRequest is the body of POST /api/recovery/jobs
type enqueueRequest struct {
	StationID string `json:"stationId"`
	DeviceID  string `json:"deviceId,omitempty"`
}

// handleEnqueueRecovery handles POST /api/recovery/jobs - queue a manual recovery
func (s *Server) handleEnqueueRecovery(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	job, err := s.recoveryService.EnqueueRecovery(r.Context(), req.StationID, req.DeviceID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/recovery/jobs - list active jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.recoveryService.ListJobs(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(jobs),
		"jobs":  jobs,
	})
}

// handleGetJob handles GET /api/recovery/jobs/{stationId}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.recoveryService.GetJob(r.Context(), mux.Vars(r)["stationId"])
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleCancelRecovery handles DELETE /api/recovery/jobs/{stationId}
func (s *Server) handleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	if err := s.recoveryService.CancelRecovery(r.Context(), mux.Vars(r)["stationId"]); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHistory handles GET /api/recovery/history?stationId=&status=&limit=&offset=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := models.HistoryFilter{
		StationID: strings.TrimSpace(query.Get("stationId")),
		Status:    types.HistoryStatus(strings.TrimSpace(query.Get("status"))),
	}

	var ok bool
	if filter.Limit, ok = intParam(w, query.Get("limit"), "limit"); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, query.Get("offset"), "offset"); !ok {
		return
	}

	page, err := s.recoveryService.History(r.Context(), filter)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, page)
}

// handleStats handles GET /api/recovery/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.recoveryService.Stats(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// mappingRequest is the body of PUT /api/stations/{stationId}/device.
// An empty or missing deviceId clears the mapping.
type mappingRequest struct {
	DeviceID string `json:"deviceId"`
}

// handleUpdateDeviceMapping handles PUT /api/stations/{stationId}/device
func (s *Server) handleUpdateDeviceMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	stationID := mux.Vars(r)["stationId"]
	if err := s.recoveryService.UpdateDeviceMapping(r.Context(), stationID, req.DeviceID); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"stationId": stationID,
		"deviceId":  strings.TrimSpace(req.DeviceID),
	})
}

// intParam parses an optional integer query parameter, writing a 400 on failure
func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid "+name, map[string]interface{}{
			"parameter": name,
		})
		return 0, false
	}
	return v, true
}
