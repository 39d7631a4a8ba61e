package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrNotAParticipant = errors.New("not a participant")
	// ErrCrossTenant is reported to callers exactly like ErrNotFound.
	ErrCrossTenant  = fmt.Errorf("cross-tenant access: %w", ErrNotFound)
	ErrCodecFailure = errors.New("codec failure")
	ErrRateLimited  = errors.New("rate limited")
	ErrInternal     = errors.New("internal error")
)

// Status maps an error onto the HTTP status returned to callers.
// Membership failures surface as 404 so chat ids cannot be probed.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotAParticipant):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Message is the caller-facing text for err.
func Message(err error) string {
	switch Status(err) {
	case http.StatusUnauthorized:
		return ErrUnauthenticated.Error()
	case http.StatusForbidden:
		return ErrForbidden.Error()
	case http.StatusNotFound:
		return ErrNotFound.Error()
	case http.StatusBadRequest:
		return err.Error()
	case http.StatusTooManyRequests:
		return ErrRateLimited.Error()
	default:
		return ErrInternal.Error()
	}
}
