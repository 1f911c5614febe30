// Package errdefs defines the error classes used across the runtime core.
//
// Errors are grouped so that callers can react to the class of a failure
// without parsing its message: validation problems, failures to spawn a
// foreign process, failures reported by a foreign process, elapsed
// deadlines, unknown entities and invalid lifecycle transitions.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when a configuration or request is
	// missing a required field or contains a contradictory combination.
	// No external process has been spawned when this error is returned.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSpawnFailed is returned when a helper, plugin or runtime binary
	// could not be started at all.
	ErrSpawnFailed = errors.New("process spawn failed")

	// ErrProcessFailed is returned when a foreign process ran but exited
	// non-zero or produced malformed output.
	ErrProcessFailed = errors.New("process failed")

	// ErrTimeout is returned when an operation deadline elapsed and the
	// spawned process has been killed.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotFound is returned when an operation references an unknown
	// sandbox or container ID.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when an operation requests a transition
	// which is invalid from the entity's current state.
	ErrStateConflict = errors.New("invalid state transition")
)

// IsInvalidArgument returns true if the error is a validation error.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsSpawnFailed returns true if the error indicates an unstartable binary.
func IsSpawnFailed(err error) bool {
	return errors.Is(err, ErrSpawnFailed)
}

// IsProcessFailed returns true if the error carries a foreign process
// failure.
func IsProcessFailed(err error) bool {
	return errors.Is(err, ErrProcessFailed)
}

// IsTimeout returns true if the error is a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotFound returns true if the error references an unknown entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStateConflict returns true if the error is an invalid lifecycle
// transition.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

// Invalidf creates a wrapped validation error.
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}

// NotFoundf creates a wrapped not-found error.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf creates a wrapped state-conflict error.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrStateConflict)...)
}
