package emulator

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrAlreadyStarted is returned by Start when a child is already running.
	ErrAlreadyStarted = errors.New("emulator already started")

	// ErrNotReady is returned when the readiness line was not observed.
	ErrNotReady = errors.New("emulator did not become ready")

	// ErrAdminRejected is returned when the admin API answers with an error.
	ErrAdminRejected = errors.New("emulator admin request rejected")
)

// EmulatorError wraps supervisor and admin errors with context.
type EmulatorError struct {
	Op      string // Operation that failed (e.g., "start", "create_instance")
	Message string
	Err     error
}

func (e *EmulatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("emulator %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("emulator %s: %s", e.Op, e.Message)
}

func (e *EmulatorError) Unwrap() error {
	return e.Err
}

// NewEmulatorError creates a new EmulatorError.
func NewEmulatorError(op, message string, err error) *EmulatorError {
	return &EmulatorError{Op: op, Message: message, Err: err}
}
