package models

import (
	"errors"
	"net/http"
)

// Domain error taxonomy. Handlers branch on these with errors.Is and map
// them to HTTP statuses via HTTPStatus; anything unmatched is an internal
// failure and surfaces as an opaque 500.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRetryable marks transient storage contention (serialization
	// failures, lock timeouts). Callers may retry with backoff; it is
	// never a domain outcome.
	ErrRetryable = errors.New("temporarily unavailable, retry")
)

// HTTPStatus maps a domain error to its response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrRetryable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsDomainError reports whether err belongs to the taxonomy above and is
// therefore safe to surface verbatim to the caller.
func IsDomainError(err error) bool {
	for _, e := range []error{
		ErrInvalidArgument, ErrUnauthenticated, ErrUnauthorized,
		ErrNotFound, ErrConflict, ErrInvalidState,
		ErrInsufficientFunds, ErrRetryable,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
