// Package errors provides custom error types for the claudesmith runtime.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes as constants. Validation failures (path, command, code) are
// returned to the model as tool errors and never thrown out of the engine;
// the fatal codes terminate a session.
const (
	ErrCodeConfigInvalid      = "CONFIG_INVALID"
	ErrCodePathRejected       = "PATH_REJECTED"
	ErrCodeCommandRejected    = "COMMAND_REJECTED"
	ErrCodeCodeRejected       = "CODE_REJECTED"
	ErrCodeCodeTimeout        = "CODE_TIMEOUT"
	ErrCodeSandboxUnavailable = "SANDBOX_UNAVAILABLE"
	ErrCodeContainerOpFailed  = "CONTAINER_OP_FAILED"
	ErrCodeToolTimeout        = "TOOL_TIMEOUT"
	ErrCodeToolSizeExceeded   = "TOOL_SIZE_EXCEEDED"
	ErrCodeLLMClientFailed    = "LLM_CLIENT_FAILED"
	ErrCodeAnswerMissing      = "ANSWER_MISSING"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
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

// ConfigInvalid aggregates all configuration offenses into one non-retryable error.
func ConfigInvalid(offenses []string) *AppError {
	return &AppError{
		Code:       ErrCodeConfigInvalid,
		Message:    strings.Join(offenses, "; "),
		HTTPStatus: http.StatusBadRequest,
	}
}

// PathRejected creates a path validation failure.
func PathRejected(reason string) *AppError {
	return &AppError{
		Code:       ErrCodePathRejected,
		Message:    reason,
		HTTPStatus: http.StatusForbidden,
	}
}

// CommandRejected creates a command validation failure.
func CommandRejected(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeCommandRejected,
		Message:    reason,
		HTTPStatus: http.StatusForbidden,
	}
}

// CodeRejected creates a snippet prevalidation failure.
func CodeRejected(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeCodeRejected,
		Message:    reason,
		HTTPStatus: http.StatusForbidden,
	}
}

// CodeTimeout creates a snippet execution timeout failure.
func CodeTimeout(site string) *AppError {
	return &AppError{
		Code:       ErrCodeCodeTimeout,
		Message:    fmt.Sprintf("code evaluation timed out (%s)", site),
		HTTPStatus: http.StatusRequestTimeout,
	}
}

// SandboxUnavailable creates a fatal sandbox error with a remediation hint.
func SandboxUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSandboxUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ContainerOpFailed creates a container operation failure.
func ContainerOpFailed(op string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeContainerOpFailed,
		Message:    fmt.Sprintf("container %s failed", op),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// LLMClientFailed creates a fatal protocol client failure.
func LLMClientFailed(err error) *AppError {
	return &AppError{
		Code:       ErrCodeLLMClientFailed,
		Message:    "LLM client failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// AnswerMissing is returned when a session is interrupted with a question pending.
func AnswerMissing(requestID string) *AppError {
	return &AppError{
		Code:       ErrCodeAnswerMissing,
		Message:    fmt.Sprintf("pending question %s dropped by interrupt", requestID),
		HTTPStatus: http.StatusConflict,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
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

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus extracts the HTTP status from an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
