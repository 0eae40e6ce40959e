package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ProviderError is a failed call to a collaborator. Transient failures are
// worth retrying; anything else needs a human or a different request.
type ProviderError struct {
	Collaborator string
	StatusCode   int
	Message      string
	Transient    bool
	Cause        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	name := e.Collaborator
	if name == "" {
		name = "provider"
	}

	msg := name + " error"
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(": status=%d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether retrying the same request could succeed.
// Deadlines and network timeouts count as transient; cancellation does not.
func IsTransient(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// StatusCode returns the HTTP status behind a collaborator failure, or 0.
func StatusCode(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
