package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidParams     = errors.New("invalid dream parameters")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrProviderFailure   = errors.New("provider failure")
	ErrUnknownArtifact   = errors.New("unknown artifact")
)

// ValidationError reports the first rejected field of a dream request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidParams
}
