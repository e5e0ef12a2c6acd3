package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrPaymentNotVerified is returned when the referenced transaction
	// does not pay for the audit. The caller may retry once it confirms.
	ErrPaymentNotVerified = errors.New("payment verification failed")

	// ErrDemoDisabled is returned by DemoProcess unless demo mode is on.
	ErrDemoDisabled = errors.New("demo processing is disabled")
)

// ValidationError reports a malformed or missing request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
