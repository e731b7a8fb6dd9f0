package management

import (
	"errors"
	"fmt"

	"github.com/akup/multicanister/internal/core/domain"
	"github.com/akup/multicanister/internal/core/mgmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrRejected is returned when the management canister rejects a call
	// for a reason other than the target not existing.
	ErrRejected = errors.New("management call rejected")

	// ErrInvalidResponse is returned when a reply cannot be decoded.
	ErrInvalidResponse = errors.New("invalid management response")
)

// Error describes a failed management call.
type Error struct {
	Method     string // Management method (e.g., "install_chunked_code")
	CanisterID string // Target canister if applicable
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.CanisterID != "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.CanisterID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error.
func NewError(method, canisterID, message string, err error) *Error {
	return &Error{
		Method:     method,
		CanisterID: canisterID,
		Message:    message,
		Err:        err,
	}
}

// translateError classifies a failed ingress call. This is the only place a
// reject becomes domain.ErrUnexisting, and only by its codes. The reject
// stays in the chain for RemoteMessage.
func translateError(method, canisterID string, err error) error {
	var reject *mgmt.Reject
	if !errors.As(err, &reject) {
		return NewError(method, canisterID, "call failed", err)
	}

	base := ErrRejected
	if reject.IsUnexisting() {
		base = domain.ErrUnexisting
	}
	return NewError(method, canisterID, reject.Error(), fmt.Errorf("%w: %w", base, reject))
}

// RemoteMessage returns the reject message carried by err, if any.
func RemoteMessage(err error) (string, bool) {
	var reject *mgmt.Reject
	if errors.As(err, &reject) && reject.Message != "" {
		return reject.Message, true
	}
	return "", false
}
