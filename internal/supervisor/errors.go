package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when a launch is missing its config or
	// client id.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrClosed is returned by Launch after Shutdown.
	ErrClosed = errors.New("supervisor is shut down")
)

// LaunchError wraps a failure to stage or spawn a run. Nothing is registered
// when it is returned.
type LaunchError struct {
	Op  string
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed: %s: %v", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
