package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// channelRequest is the body of POST /api/devices/{deviceId}/channels/{channel}
type channelRequest struct {
	State string `json:"state"`
}

// handleSetChannel handles POST /api/devices/{deviceId}/channels/{channel}
func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	channel, err := strconv.Atoi(vars["channel"])
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid channel", nil)
		return
	}

	var req channelRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := s.controlService.SetChannel(r.Context(), vars["deviceId"], channel, req.State); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deviceId": vars["deviceId"],
		"channel":  channel,
		"state":    req.State,
	})
}

// handleStationOn handles POST /api/devices/{deviceId}/station-on
func (s *Server) handleStationOn(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	if err := s.controlService.StationOn(r.Context(), deviceID); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"deviceId": deviceID,
		"action":   "station-on",
	})
}

// handleStationOff handles POST /api/devices/{deviceId}/station-off
func (s *Server) handleStationOff(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	if err := s.controlService.StationOff(r.Context(), deviceID); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"deviceId": deviceID,
		"action":   "station-off",
	})
}

// handleDeviceAPIStats handles GET /api/devices/api-stats
func (s *Server) handleDeviceAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.recoveryService.DeviceAPIStats(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
