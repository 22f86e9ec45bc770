package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/station-recovery/internal/errors"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// respondServiceError maps a service error onto its status and code.
// Internal failures are logged and reported without their cause.
func respondServiceError(w http.ResponseWriter, logger *logging.Logger, err error) {
	catErr := errors.Categorize(err)

	message := catErr.Message
	details := catErr.Details
	if catErr.StatusCode >= http.StatusInternalServerError {
		logger.WithError(err).WithField("code", catErr.Code).Error("Request failed")
		if catErr.StatusCode == http.StatusInternalServerError {
			message = "An internal error occurred"
			details = nil
		}
	}
	if catErr.Category == errors.CategoryRateLimit {
		if after, ok := catErr.Details["retryAfter"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(after))
		}
	}

	respondError(w, catErr.StatusCode, catErr.Code, message, details)
}
