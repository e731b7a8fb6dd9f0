package domain

import "errors"

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrTransport is returned when the emulator cannot be spawned or reached.
	// Fatal during startup.
	ErrTransport = errors.New("transport failure")

	// ErrHashMismatch is returned when the declared module digest does not
	// match the SHA-256 of the module bytes. Raised before any remote effect.
	ErrHashMismatch = errors.New("declared sha256 does not match module")

	// ErrNotFound is returned when a logical name has no registry record.
	ErrNotFound = errors.New("canister record not found")

	// ErrCorruptionDetected marks a unit whose installed module diverges from
	// the recorded hash.
	ErrCorruptionDetected = errors.New("installed module diverges from recorded hash")

	// ErrUnexisting is returned when the execution environment has no
	// knowledge of a recorded unit id.
	ErrUnexisting = errors.New("canister does not exist")

	// ErrInstallFailure is returned when chunk upload or the install call fails.
	// The registry is left untouched and the deploy may be retried.
	ErrInstallFailure = errors.New("install failed")

	// ErrInvalidName is returned for logical names that cannot be used as keys.
	ErrInvalidName = errors.New("invalid logical name")

	// ErrIdentityCorrupt is returned when a persisted identity exists but
	// cannot be decoded.
	ErrIdentityCorrupt = errors.New("persisted identity is unreadable")
)
