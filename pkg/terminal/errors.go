package terminal

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPortAvailable is returned when every port in the scanned range is taken.
	ErrNoPortAvailable = errors.New("no available ports in range")
	// ErrSpawnFailed is returned when ttyd could not be started or did not
	// become reachable within the settle delay.
	ErrSpawnFailed = errors.New("terminal server failed to start")
	// ErrSessionCreationFailed marks every failure of GetOrCreateSession.
	ErrSessionCreationFailed = errors.New("failed to create terminal session")
)

// CreationError reports why a session could not be created for an owner.
// It matches both ErrSessionCreationFailed and its cause under errors.Is.
type CreationError struct {
	Owner string
	Err   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("failed to create terminal session for %s: %v", e.Owner, e.Err)
}

func (e *CreationError) Unwrap() []error {
	return []error{ErrSessionCreationFailed, e.Err}
}

// PersistenceError records a failed snapshot write or read.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
