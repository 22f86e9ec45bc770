package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/station-recovery/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryDeviceUnreachable means the relay itself did not answer or reported offline
	CategoryDeviceUnreachable ErrorCategory = "device_unreachable"
	// CategoryDeviceAPIFailure means the relay answered but a control call failed after its inner retry
	CategoryDeviceAPIFailure ErrorCategory = "device_api_failure"
	// CategoryVerificationTimeout means the scenario ran but connectivity did not confirm
	CategoryVerificationTimeout ErrorCategory = "verification_timeout"
	// CategoryRetryBudgetExhausted means the job ran out of attempts
	CategoryRetryBudgetExhausted ErrorCategory = "retry_budget_exhausted"
	// CategoryUnexpected covers anything else raised inside a recovery attempt
	CategoryUnexpected ErrorCategory = "unexpected"

	// CategoryUpstream represents telemetry or vendor transport errors
	CategoryUpstream ErrorCategory = "upstream"
	// CategoryUpstreamAuth represents a rejected vendor token refresh
	CategoryUpstreamAuth ErrorCategory = "upstream_auth"

	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryDatabase   ErrorCategory = "database"
	CategorySystem     ErrorCategory = "system"
)

// Error codes
const (
	CodeDeviceUnreachable    = "DEVICE_UNREACHABLE"
	CodeDeviceAPIFailure     = "DEVICE_API_FAILURE"
	CodeVerificationTimeout  = "VERIFICATION_TIMEOUT"
	CodeRetryBudgetExhausted = "RETRY_BUDGET_EXHAUSTED"
	CodeUnexpected           = "UNEXPECTED_EXECUTION_ERROR"
	CodeAlreadyQueued        = "ALREADY_QUEUED"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidParameter     = "INVALID_PARAMETER"
	CodeUpstream             = "UPSTREAM_ERROR"
	CodeUpstreamAuth         = "UPSTREAM_AUTH_FAILED"
	CodeRateLimit            = "RATE_LIMIT_EXCEEDED"
	CodeDatabase             = "DATABASE_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
)

// ErrAlreadyQueued matches any error rejecting an enqueue because a job exists
var ErrAlreadyQueued = &CategorizedError{Category: CategoryConflict, StatusCode: http.StatusConflict, Code: CodeAlreadyQueued, Message: "recovery already queued"}

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is matches categorized errors by code
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	return ok && t.Code == e.Code
}

// Reason returns a short human-readable classification without the cause chain
func (e *CategorizedError) Reason() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Recovery classifications

// NewDeviceUnreachableError creates an error for a relay that is offline or missing
func NewDeviceUnreachableError(deviceID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDeviceUnreachable,
		StatusCode: http.StatusBadGateway,
		Code:       CodeDeviceUnreachable,
		Message:    fmt.Sprintf("relay %s is unreachable", deviceID),
		Cause:      cause,
		Details: map[string]interface{}{
			"deviceId": deviceID,
		},
	}
}

// NewDeviceAPIError creates an error for a failed vendor call.
// vendorCode is the vendor's error field, or 0 for transport failures.
func NewDeviceAPIError(deviceID, operation string, vendorCode int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDeviceAPIFailure,
		StatusCode: http.StatusBadGateway,
		Code:       CodeDeviceAPIFailure,
		Message:    fmt.Sprintf("device call %s failed for %s (code %d)", operation, deviceID, vendorCode),
		Cause:      cause,
		Details: map[string]interface{}{
			"deviceId":   deviceID,
			"operation":  operation,
			"vendorCode": vendorCode,
		},
	}
}

// NewVerificationTimeoutError creates an error for a station that did not reconnect in time
func NewVerificationTimeoutError(stationID string, window time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryVerificationTimeout,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeVerificationTimeout,
		Message:    fmt.Sprintf("station %s did not reconnect within %s", stationID, window),
		Details: map[string]interface{}{
			"stationId": stationID,
			"window":    window.String(),
		},
	}
}

// NewRetryBudgetExhaustedError wraps the last classification of a job that ran out of attempts
func NewRetryBudgetExhaustedError(stationID string, attempts int, last error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRetryBudgetExhausted,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeRetryBudgetExhausted,
		Message:    fmt.Sprintf("station %s not recovered after %d attempts", stationID, attempts),
		Cause:      last,
		Details: map[string]interface{}{
			"stationId": stationID,
			"attempts":  attempts,
		},
	}
}

// NewUnexpectedError wraps an unclassified failure inside a recovery attempt
func NewUnexpectedError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUnexpected,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeUnexpected,
		Message:    "unexpected error during recovery attempt",
		Cause:      cause,
	}
}

// Collaborator-facing errors

// NewAlreadyQueuedError creates the enqueue conflict error
func NewAlreadyQueuedError(stationID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeAlreadyQueued,
		Message:    fmt.Sprintf("recovery already queued for station %s", stationID),
		Details: map[string]interface{}{
			"stationId": stationID,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimit,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// Upstream errors

// NewUpstreamError creates an error for a failed call to an external provider
func NewUpstreamError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusBadGateway,
		Code:       CodeUpstream,
		Message:    fmt.Sprintf("upstream error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewUpstreamAuthError creates an error for a rejected token refresh
func NewUpstreamAuthError(provider string, vendorCode int, message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstreamAuth,
		StatusCode: http.StatusBadGateway,
		Code:       CodeUpstreamAuth,
		Message:    fmt.Sprintf("%s token refresh rejected: %s", provider, message),
		Details: map[string]interface{}{
			"provider":   provider,
			"vendorCode": vendorCode,
		},
	}
}

// System errors

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error. Wrapped categorized errors are
// found through the chain; anything else becomes an internal error.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// ClassifyAttempt maps an error raised inside a recovery attempt onto the
// recovery taxonomy. Errors outside it become UnexpectedExecutionError.
func ClassifyAttempt(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		switch catErr.Category {
		case CategoryDeviceUnreachable, CategoryDeviceAPIFailure, CategoryVerificationTimeout, CategoryRetryBudgetExhausted, CategoryUnexpected:
			return catErr
		}
	}
	return NewUnexpectedError(err)
}

// DeviceReachable reports which backoff table a classification selects.
// Only DeviceUnreachable selects the slow table.
func DeviceReachable(err error) bool {
	catErr := Categorize(err)
	return catErr == nil || catErr.Category != CategoryDeviceUnreachable
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth another immediate attempt
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryUpstream, CategoryDeviceAPIFailure, CategoryDatabase, CategoryRateLimit:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
