package orchestrator

import (
	"fmt"

	"github.com/akup/multicanister/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

// OrchestratorError wraps orchestration errors with context.
type OrchestratorError struct {
	Op      string // Operation that failed (e.g., "Deploy")
	Name    string // Logical name if applicable
	Message string
	Err     error
}

func (e *OrchestratorError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Name, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

func newError(op, name, message string, err error) *OrchestratorError {
	return &OrchestratorError{Op: op, Name: name, Message: message, Err: err}
}

// InstallError reports a failed chunk upload or install call. The registry
// record was left untouched, so the deploy can be retried.
type InstallError struct {
	Name       string
	CanisterID string
	Mode       domain.InstallMode
	Stage      string // "upload" or "install"
	Err        error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s (%s, mode %s) failed during %s: %v", e.Name, e.CanisterID, e.Mode, e.Stage, e.Err)
}

// Unwrap exposes both domain.ErrInstallFailure and the underlying cause.
func (e *InstallError) Unwrap() []error {
	return []error{domain.ErrInstallFailure, e.Err}
}
