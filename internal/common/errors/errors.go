// Package errors provides structured error handling for the antifraud service
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrBadRequest ErrorCode = "BAD_REQUEST"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrTimeout    ErrorCode = "TIMEOUT"

	// Antifraud taxonomy
	ErrDataUnavailable  ErrorCode = "DATA_UNAVAILABLE"
	ErrExternalService  ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrFatalPolicy      ErrorCode = "FATAL_POLICY_CONDITION"
	ErrOverrideRequired ErrorCode = "OVERRIDE_REQUIRED"

	// Storage errors
	ErrDatabase ErrorCode = "DATABASE_ERROR"
	ErrCache    ErrorCode = "CACHE_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrConflict,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// ValidationError creates a validation error. Malformed requests are
// rejected with it before any analyzer runs.
func ValidationError(message string) *AppError {
	return &AppError{
		Code:       ErrValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Timeout creates a timeout error
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrTimeout,
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
	}
}

// DataUnavailable marks a missing optional signal. It is informational:
// analyzers map it to a neutral sub-score.
func DataUnavailable(signal string) *AppError {
	return (&AppError{
		Code:       ErrDataUnavailable,
		Message:    "Signal not available",
		StatusCode: http.StatusOK,
	}).WithMetadata("signal", signal)
}

// ExternalService wraps a failure of a store or provider
func ExternalService(service string, err error) *AppError {
	return (&AppError{
		Code:       ErrExternalService,
		Message:    "External dependency failed",
		Details:    service,
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}).WithMetadata("service", service)
}

// FatalPolicy describes a blocked device or IP
func FatalPolicy(reason string) *AppError {
	return &AppError{
		Code:       ErrFatalPolicy,
		Message:    "Fatal policy condition",
		Details:    reason,
		StatusCode: http.StatusForbidden,
	}
}

// OverrideRequired is returned when a geolocation reading fails the
// accuracy or freshness gate and no justification was supplied
func OverrideRequired(reason string) *AppError {
	return &AppError{
		Code:       ErrOverrideRequired,
		Message:    "Geolocation reading rejected, override justification required",
		Details:    reason,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// DatabaseError creates a database error
func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrDatabase,
		Message:    "Database operation failed",
		Details:    operation,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// CacheError creates a cache error
func CacheError(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrCache,
		Message:    "Cache operation failed",
		Details:    operation,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HandleError sends an error response to the client
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	c.JSON(appErr.StatusCode, ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	})
}

// ErrorHandler is a middleware that handles panics and converts them to errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				var appErr *AppError

				switch e := err.(type) {
				case *AppError:
					appErr = e
				case error:
					appErr = Internal("Internal server error", e)
				default:
					appErr = Internal("Internal server error", fmt.Errorf("%v", err))
				}

				HandleError(c, appErr)
				c.Abort()
			}
		}()
		c.Next()
	}
}
