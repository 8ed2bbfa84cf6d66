// Package errors defines the coded error returned by coordinator operations.
// The HTTP layer renders the code and status; the push gateway maps the code
// onto its own error packet.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes. The last three also appear on the push channel.
const (
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeUnknownClient        = "UNKNOWN_CLIENT"
	ErrCodeMalformedPayload     = "MALFORMED_PAYLOAD"
	ErrCodeInvalidResultPayload = "INVALID_RESULT_PAYLOAD"
)

// AppError carries a stable code, the HTTP status it maps to and an
// optional cause.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func newError(code string, status int, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: cause}
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// NotFound reports a missing task, result or artifact
func NotFound(kind, id string) *AppError {
	return newError(ErrCodeNotFound, http.StatusNotFound, fmt.Sprintf("%s '%s' not found", kind, id), nil)
}

func Unauthorized(message string) *AppError {
	return newError(ErrCodeUnauthorized, http.StatusUnauthorized, message, nil)
}

// Conflict reports a task id that is already pending or running
func Conflict(message string) *AppError {
	return newError(ErrCodeConflict, http.StatusConflict, message, nil)
}

func InternalError(message string, cause error) *AppError {
	return newError(ErrCodeInternalError, http.StatusInternalServerError, message, cause)
}

// UnknownClient tells an agent to register again
func UnknownClient(clientID string) *AppError {
	return newError(ErrCodeUnknownClient, http.StatusNotFound, fmt.Sprintf("client '%s' is not registered", clientID), nil)
}

// MalformedPayload rejects a body that does not decode or fails validation
func MalformedPayload(message string, cause error) *AppError {
	return newError(ErrCodeMalformedPayload, http.StatusBadRequest, message, cause)
}

// InvalidResultPayload rejects a task result missing a required field
func InvalidResultPayload(message string) *AppError {
	return newError(ErrCodeInvalidResultPayload, http.StatusBadRequest, message, nil)
}

// Wrap prefixes err with context. An AppError keeps its code and status;
// anything else becomes an internal error.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return newError(appErr.Code, appErr.HTTPStatus, message+": "+appErr.Message, err)
	}
	return InternalError(message, err)
}

// As finds the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

// StatusOf returns the HTTP status for err, 500 when it carries none
func StatusOf(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsNotFound matches both missing resources and unknown agents
func IsNotFound(err error) bool {
	appErr, ok := As(err)
	return ok && (appErr.Code == ErrCodeNotFound || appErr.Code == ErrCodeUnknownClient)
}
