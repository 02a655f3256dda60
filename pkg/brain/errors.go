package brain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the brain package.
var (
	// ErrUnavailable indicates the brain service could not be reached
	// or did not answer within the deadline.
	ErrUnavailable = errors.New("brain: unavailable")

	// ErrEmptyResponse indicates the service answered without any
	// response text.
	ErrEmptyResponse = errors.New("brain: empty response")
)

// ServiceError is a failure reported by the brain service itself, as
// opposed to a transport problem.
type ServiceError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the body or error message from the service.
	Message string
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("brain: service error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsUnavailable returns true if the error indicates the brain could
// not be reached, as opposed to a service-reported failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
