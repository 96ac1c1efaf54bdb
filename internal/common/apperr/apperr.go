// Package apperr carries service errors across the hub as {status, kind,
// message} triples. Internal calls propagate these typed errors and the HTTP
// facade translates them exactly once.
package apperr

import (
	"errors"
	"net/http"
)

// Error kinds.
const (
	KindInvalidRequest = "invalid_request"
	KindNotFound       = "not_found"
	KindConflict       = "conflict"
	KindAuthFailed     = "auth_failed"
	KindUpstream       = "upstream"
	KindInternal       = "internal"
)

// Error is a service error with an HTTP transport mapping.
type Error struct {
	Status  int    `json:"-"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// InvalidRequest builds a 400 error for schema or shape violations.
func InvalidRequest(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Kind: KindInvalidRequest, Message: message}
}

// NotFound builds a 404 error for unknown entities.
func NotFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Kind: KindNotFound, Message: message}
}

// Conflict builds a 409 error for state conflicts.
func Conflict(message string) *Error {
	return &Error{Status: http.StatusConflict, Kind: KindConflict, Message: message}
}

// AuthFailed builds a 403 error for missing or invalid tokens.
func AuthFailed(message string) *Error {
	return &Error{Status: http.StatusForbidden, Kind: KindAuthFailed, Message: message}
}

// Unauthorized builds a 401 error for failed upstream credential checks.
func Unauthorized(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Kind: KindAuthFailed, Message: message}
}

// Upstream builds a 502 error for failures of external services.
func Upstream(message string) *Error {
	return &Error{Status: http.StatusBadGateway, Kind: KindUpstream, Message: message}
}

// Internal builds a 500 error.
func Internal(message string) *Error {
	return &Error{Status: http.StatusInternalServerError, Kind: KindInternal, Message: message}
}

// From coerces err into an *Error, wrapping unknown errors as internal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err.Error())
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind string) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
