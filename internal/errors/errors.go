// Package errors defines the service error type rendered by the gateway.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	CodeBadRequest       ErrorCode = "BAD_REQUEST"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeRateLimited      ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeSessionLoading   ErrorCode = "SESSION_LOADING"
	CodeUpstreamStatus   ErrorCode = "UPSTREAM_STATUS"
	CodeUpstreamDown     ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamInvalid  ErrorCode = "UPSTREAM_INVALID_RESPONSE"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
	CodeConfigValidation ErrorCode = "CONFIG_INVALID"
)

// ServiceError is an error with an HTTP status and a client-safe message.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails returns e with key set in its details.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func BadRequest(message string) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, message, nil)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Authentication required"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "Invalid or expired token", err)
}

func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "Access denied"
	}
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

func NotFound(resource string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, resource+" not found", nil)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, "Rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// SessionLoading reports that the auth provider has not resolved the session yet.
func SessionLoading() *ServiceError {
	return newError(CodeSessionLoading, http.StatusServiceUnavailable, "Session is still loading", nil)
}

// UpstreamStatus reports an error status returned by the transit API.
func UpstreamStatus(status int, err error) *ServiceError {
	httpStatus := http.StatusBadGateway
	if status >= 400 && status < 500 {
		httpStatus = status
	}
	return newError(CodeUpstreamStatus, httpStatus, "Upstream request failed", err).
		WithDetails("upstream_status", status)
}

// UpstreamUnavailable reports that the transit API could not be reached.
func UpstreamUnavailable(err error) *ServiceError {
	return newError(CodeUpstreamDown, http.StatusBadGateway, "Upstream unavailable", err)
}

// UpstreamInvalid reports a transit API answer whose body could not be decoded.
func UpstreamInvalid(status int, err error) *ServiceError {
	return newError(CodeUpstreamInvalid, http.StatusBadGateway, "Upstream response could not be read", err).
		WithDetails("upstream_status", status)
}

func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

func ConfigInvalid(message string, err error) *ServiceError {
	return newError(CodeConfigValidation, http.StatusInternalServerError, message, err)
}

// GetServiceError returns the first ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Is reports whether err carries a ServiceError with the given code.
func Is(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
