// Package domain holds the canister deployment model. It performs no I/O.
package domain

import "fmt"

// =============================================================================
// Canister Record
// =============================================================================

// CanisterRecord is the registry's unit of truth for one logical name.
// The logical name itself is the registry key and is not stored here.
type CanisterRecord struct {
	CanisterIDs []string `json:"canisterIds"`
	WasmHash    string   `json:"wasmHash"`
	Branch      string   `json:"branch"`
	Tag         string   `json:"tag"`
	Commit      string   `json:"commit"`
	Corrupted   bool     `json:"corrupted"`
}

// Provenance is informational build metadata attached to an install.
type Provenance struct {
	Branch string `json:"branch"`
	Tag    string `json:"tag"`
	Commit string `json:"commit"`
}

// NewPlaceholderRecord returns the record persisted when a unit is created
// and no code has been installed yet.
func NewPlaceholderRecord(canisterID string) CanisterRecord {
	return CanisterRecord{
		CanisterIDs: []string{canisterID},
		WasmHash:    "",
		Branch:      "",
		Tag:         "",
		Commit:      "",
		Corrupted:   false,
	}
}

// NewInstalledRecord returns the record written after a remote install
// reported success. Corrupted is always cleared.
func NewInstalledRecord(canisterID, wasmHash string, p Provenance) CanisterRecord {
	return CanisterRecord{
		CanisterIDs: []string{canisterID},
		WasmHash:    wasmHash,
		Branch:      p.Branch,
		Tag:         p.Tag,
		Commit:      p.Commit,
		Corrupted:   false,
	}
}

// PrimaryID returns the first canister id, or "" if none is recorded.
func (r CanisterRecord) PrimaryID() string {
	if len(r.CanisterIDs) == 0 {
		return ""
	}
	return r.CanisterIDs[0]
}

// HasCode reports whether an install has ever succeeded for this record.
func (r CanisterRecord) HasCode() bool {
	return r.WasmHash != ""
}

// Clone returns a deep copy so callers cannot alias the id slice.
func (r CanisterRecord) Clone() CanisterRecord {
	c := r
	c.CanisterIDs = append([]string(nil), r.CanisterIDs...)
	return c
}

// =============================================================================
// Install Mode
// =============================================================================

// InstallMode selects how the management interface replaces a unit's code.
type InstallMode string

const (
	ModeInstall   InstallMode = "install"
	ModeReinstall InstallMode = "reinstall"
	ModeUpgrade   InstallMode = "upgrade"
)

// Valid reports whether m is a known install mode.
func (m InstallMode) Valid() bool {
	switch m {
	case ModeInstall, ModeReinstall, ModeUpgrade:
		return true
	}
	return false
}

// SelectInstallMode picks the mode for an install into a registered unit.
//
// A unit with no recorded code gets reinstall. Everything else is upgraded,
// except a corrupted unit whose caller explicitly asked for a forced
// reinstall and whose host allows it.
func SelectInstallMode(state State, recordedHash string, forceReinstall bool) InstallMode {
	if recordedHash == "" {
		return ModeReinstall
	}
	if state == StateCorrupted && forceReinstall {
		return ModeReinstall
	}
	return ModeUpgrade
}

// =============================================================================
// Remote Lifecycle
// =============================================================================

// Lifecycle is the remote run state of a unit.
type Lifecycle string

const (
	LifecycleRunning  Lifecycle = "running"
	LifecycleStopping Lifecycle = "stopping"
	LifecycleStopped  Lifecycle = "stopped"
)

// UnitStatus is what the management interface reports for an existing unit.
// ModuleHash is the hex SHA-256 of the installed module, "" when empty.
type UnitStatus struct {
	Lifecycle  Lifecycle `json:"lifecycle"`
	ModuleHash string    `json:"module_hash"`
}

// =============================================================================
// Classification
// =============================================================================

// State is the per-name classification derived from the registry record and
// a live remote query.
type State string

const (
	StateUnregistered     State = "unregistered"
	StateRegisteredNoCode State = "registered_no_code"
	StateVerified         State = "verified"
	StateStopped          State = "stopped"
	StateCorrupted        State = "corrupted"
	StateUnexisting       State = "unexisting"
)

// Classify combines a record with the remote status. A nil record means the
// name is unregistered; exists=false means the remote denied the unit id.
// status is ignored unless exists is true.
func Classify(record *CanisterRecord, status *UnitStatus, exists bool) State {
	if record == nil {
		return StateUnregistered
	}
	if !exists || status == nil {
		return StateUnexisting
	}

	switch {
	case status.ModuleHash == "" && !record.HasCode():
		return StateRegisteredNoCode
	case status.ModuleHash != "" && status.ModuleHash == record.WasmHash:
		if status.Lifecycle == LifecycleRunning {
			return StateVerified
		}
		return StateStopped
	default:
		return StateCorrupted
	}
}

// CorruptionError describes a divergence between the recorded hash and the
// hash reported by the remote unit.
type CorruptionError struct {
	Name         string
	CanisterID   string
	RecordedHash string
	RemoteHash   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("canister %s (%s): recorded hash %q, remote hash %q",
		e.Name, e.CanisterID, e.RecordedHash, e.RemoteHash)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruptionDetected
}
