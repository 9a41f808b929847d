package domain

import "errors"

// Sentinel errors for the runner.
var (
	// Caller errors, surfaced before any charge.
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientCredits = errors.New("insufficient credits")

	// Durable store unavailable on register; the caller should retry.
	ErrTemporarilyUnavailable = errors.New("service temporarily unavailable")

	// Run errors
	ErrRunNotFound        = errors.New("run not found")
	ErrRunActiveElsewhere = errors.New("run is active on another instance")
	ErrUnknownKind        = errors.New("unknown run kind")

	// Provider and stream errors
	ErrProviderFailed      = errors.New("provider reported failure")
	ErrUnrecoverableStream = errors.New("stream ended without completion")
	ErrResultInvalid       = errors.New("result payload invalid")
	ErrPollTimeout         = errors.New("background polling timed out")
)

// ValidationError describes which input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
