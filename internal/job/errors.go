package job

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a run stopped by a cancellation request, either local
// or observed provider-side.
var ErrCancelled = errors.New("migration cancelled")

// ErrJobActive marks a submission whose job id belongs to a run that has not
// reached a terminal phase.
var ErrJobActive = errors.New("job is already running")

// ValidationError is raised before any provider mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConnectivityError reports a host that could not be reached on any address.
type ConnectivityError struct {
	Addresses []string
	Err       error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("host unreachable on %v: %v", e.Addresses, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsCancelled reports whether err stems from a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
