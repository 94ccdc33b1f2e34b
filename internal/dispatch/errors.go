package dispatch

import (
	"errors"
	"fmt"
)

// The dispatcher's error taxonomy. Every operation rejects with one of these
// so callers can answer the connection with a specific event rather than a
// generic failure; none of them crash the handling task.
var (
	// ErrRideUnavailable is the race-lost signal: the conditional accept
	// found the ride no longer SEARCHING.
	ErrRideUnavailable = errors.New("ride no longer available")
	// ErrInvalidOTP is retryable; the ride state is never advanced on it.
	ErrInvalidOTP = errors.New("one-time code mismatch")
	// ErrNotAuthorized rejects transitions from anyone but the bound party.
	ErrNotAuthorized = errors.New("actor is not a party to this ride")
	// ErrRideNotFound covers unknown ride ids.
	ErrRideNotFound = errors.New("ride not found")
	// ErrRideTerminal rejects mutations of COMPLETED or CANCELLED rides.
	ErrRideTerminal = errors.New("ride already in a terminal state")
	// ErrInvalidTransition rejects operations issued from the wrong state.
	ErrInvalidTransition = errors.New("transition not permitted from current state")
	// ErrValidation covers malformed coordinates, capability tags, ratings.
	ErrValidation = errors.New("invalid request")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ErrorCode maps a dispatcher error to the wire-level code carried in error
// events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRideUnavailable):
		return "ride_unavailable"
	case errors.Is(err, ErrInvalidOTP):
		return "otp_mismatch"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrRideNotFound):
		return "not_found"
	case errors.Is(err, ErrRideTerminal):
		return "ride_terminal"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}
