package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// InvalidInputError aborts an operation before any work is dispatched
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidInput builds an *InvalidInputError
func InvalidInput(field, format string, args ...interface{}) error {
	return &InvalidInputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidInput reports whether err carries an *InvalidInputError
func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is a deadline expiry, either from the
// request context or from the client/dialer timeouts.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ClassifyError maps a request error to a timeout or transport outcome
func ClassifyError(err error) Outcome {
	if IsTimeout(err) {
		return Outcome{Kind: OutcomeTimeout}
	}
	return Outcome{Kind: OutcomeTransportError, Detail: err.Error()}
}
