package engine

import (
	"errors"
	"fmt"
)

// CredentialError means no execution credential could be obtained for the
// acting user. Nothing is dispatched for the event.
type CredentialError struct {
	User string
	Err  error
}

func (e *CredentialError) Error() string {
	if e.User == "" {
		return "no acting user configured"
	}
	return fmt.Sprintf("credential for acting user %q: %v", e.User, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

var (
	// ErrManualRunDenied is returned when a user may not run a profile manually.
	ErrManualRunDenied = errors.New("manual run not permitted")

	// ErrToolUnavailable is returned when a profile's tool is disabled or no
	// worker reported it in the last refresh.
	ErrToolUnavailable = errors.New("tool is disabled or not installed on any worker")
)
