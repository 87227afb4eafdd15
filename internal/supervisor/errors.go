package supervisor

import (
	"errors"
	"fmt"
)

// Launch operations reported in LaunchError.Op.
const (
	OpSpawn = "spawn"
	OpExit  = "exit"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("backend already started")
	// ErrNotReady is returned when the readiness check timed out. The
	// process is left running.
	ErrNotReady = errors.New("backend did not become ready in time")
)

// LaunchError reports that the backend could not be brought up: either the
// process failed to spawn or it exited before becoming ready.
type LaunchError struct {
	Op      string
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch backend %q: %s: %v", e.Command, e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
