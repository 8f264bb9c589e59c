package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrStaleSignal    ErrorType = "STALE_SIGNAL"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrDuplicate      ErrorType = "DUPLICATE_SIGNAL"
	ErrRejected       ErrorType = "REJECTED_BY_EXCHANGE"
	ErrUpstream       ErrorType = "UPSTREAM_ERROR"
	ErrAmbiguous      ErrorType = "AMBIGUOUS_OUTCOME"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewAuthFailed(msg string) *AppError {
	return New(ErrAuthFailed, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrStaleSignal, ErrInvalidRequest, ErrRejected:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrDuplicate:
		return http.StatusConflict
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAmbiguous:
		return http.StatusBadGateway
	case ErrUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrAuthFailed:
		return "Check the webhook secret or stored exchange credentials."
	case ErrStaleSignal:
		return "Signal exceeded its max_lag window; emit a fresh one."
	case ErrDuplicate:
		return "The same signal is still being processed, retry shortly."
	case ErrUpstream:
		return "Exchange temporarily unavailable, retry after backoff."
	case ErrAmbiguous:
		return "Order state unknown; reconcile against the exchange before resubmitting."
	default:
		return ""
	}
}
