package audit

import (
	"errors"
	"fmt"

	"github.com/tkingovr/isnad/api"
)

var (
	ErrNotFound      = errors.New("audit request not found")
	ErrDuplicate     = errors.New("audit request already exists")
	ErrPaymentReused = errors.New("transaction already used to pay for another audit")
)

// ConflictError is returned when a transition is attempted from a state
// other than the expected one.
type ConflictError struct {
	ID       string
	Current  api.Status
	Expected api.Status
	Next     api.Status
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("audit %s: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("audit %s is not modifiable: status is %s, expected %s", e.ID, e.Current, e.Expected)
}

// IsConflict reports whether err is a *ConflictError and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
