// Package errors provides the typed error taxonomy shared by the
// orchestrator and the wrapper job-control surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Orchestrator-level error codes.
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeSandboxConnectFailed = "SANDBOX_CONNECT_FAILED"
	ErrCodeWorkspaceSetupFailed = "WORKSPACE_SETUP_FAILED"
	ErrCodeKiloServerFailed     = "KILO_SERVER_FAILED"
	ErrCodeWrapperStartFailed   = "WRAPPER_START_FAILED"
)

// Wrapper job-control error codes.
const (
	ErrCodeNoJob            = "NO_JOB"
	ErrCodeJobConflict      = "JOB_CONFLICT"
	ErrCodeSessionError     = "SESSION_ERROR"
	ErrCodeConnectionError  = "CONNECTION_ERROR"
	ErrCodeSendError        = "SEND_ERROR"
	ErrCodeCommandError     = "COMMAND_ERROR"
	ErrCodePermissionError  = "PERMISSION_ERROR"
	ErrCodeQuestionError    = "QUESTION_ERROR"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with an explicit code, message and HTTP status.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// InvalidRequest creates a caller error. Not retryable.
func InvalidRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// SandboxConnectFailed wraps a failure to resolve the sandbox handle.
func SandboxConnectFailed(err error) *AppError {
	return transient(ErrCodeSandboxConnectFailed, "failed to connect to sandbox", err)
}

// WorkspaceSetupFailed wraps a workspace preparation failure.
func WorkspaceSetupFailed(err error) *AppError {
	return transient(ErrCodeWorkspaceSetupFailed, "failed to set up workspace", err)
}

// KiloServerFailed wraps a failure to start or reach the kilo server.
func KiloServerFailed(err error) *AppError {
	return transient(ErrCodeKiloServerFailed, "kilo server unavailable", err)
}

// WrapperStartFailed wraps a failure to start or reach the wrapper process.
func WrapperStartFailed(err error) *AppError {
	return transient(ErrCodeWrapperStartFailed, "wrapper unavailable", err)
}

// NoJob signals that an operation requires a live job and none exists.
func NoJob() *AppError {
	return &AppError{
		Code:       ErrCodeNoJob,
		Message:    "no active job",
		HTTPStatus: http.StatusBadRequest,
	}
}

// JobConflict signals a start attempt for a different execution while a job is active.
func JobConflict(currentExecutionID string) *AppError {
	return &AppError{
		Code:       ErrCodeJobConflict,
		Message:    fmt.Sprintf("a job is already active for execution %q", currentExecutionID),
		HTTPStatus: http.StatusConflict,
	}
}

// Operation creates a 500-level error whose code echoes the failed operation.
func Operation(code, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotFound creates a route-not-found error.
func NotFound(message string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// MethodNotAllowed creates a method-not-allowed error.
func MethodNotAllowed(method string) *AppError {
	return &AppError{
		Code:       ErrCodeMethodNotAllowed,
		Message:    fmt.Sprintf("method %s not allowed", method),
		HTTPStatus: http.StatusMethodNotAllowed,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func transient(code, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If the error already carries a typed code, the code and status are preserved;
// untyped errors become INTERNAL_ERROR.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code extracts the error code from an error, or INTERNAL_ERROR for untyped errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsRetryable reports whether the error is one of the transient orchestrator
// codes that callers may retry after mapping to a 503-equivalent response.
func IsRetryable(err error) bool {
	switch Code(err) {
	case ErrCodeSandboxConnectFailed,
		ErrCodeWorkspaceSetupFailed,
		ErrCodeKiloServerFailed,
		ErrCodeWrapperStartFailed:
		return true
	}
	return false
}

// IsTyped reports whether the error already carries an AppError classification.
func IsTyped(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
