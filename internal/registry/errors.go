package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProfileInUse is returned when deleting a profile that a run group or execution references.
	ErrProfileInUse = errors.New("profile is still referenced")
)

// ConfigurationError describes a record that cannot be used as configured.
type ConfigurationError struct {
	Kind    string // "group", "profile", "tool"
	ID      int64
	Problem string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("invalid %s %d: %s", e.Kind, e.ID, e.Problem)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
