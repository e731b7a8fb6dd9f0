package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Record Tests
// =============================================================================

func TestNewPlaceholderRecord(t *testing.T) {
	rec := NewPlaceholderRecord("rrkah-fqaaa-aaaaa-aaaaq-cai")

	assert.Equal(t, []string{"rrkah-fqaaa-aaaaa-aaaaq-cai"}, rec.CanisterIDs)
	assert.Empty(t, rec.WasmHash)
	assert.Empty(t, rec.Branch)
	assert.Empty(t, rec.Tag)
	assert.Empty(t, rec.Commit)
	assert.False(t, rec.Corrupted)
	assert.False(t, rec.HasCode())
}

func TestNewInstalledRecord_ClearsCorrupted(t *testing.T) {
	rec := NewInstalledRecord("id-1", "abcd", Provenance{Branch: "main", Tag: "v1", Commit: "deadbeef"})

	assert.Equal(t, "id-1", rec.PrimaryID())
	assert.Equal(t, "abcd", rec.WasmHash)
	assert.Equal(t, "main", rec.Branch)
	assert.Equal(t, "v1", rec.Tag)
	assert.Equal(t, "deadbeef", rec.Commit)
	assert.False(t, rec.Corrupted)
	assert.True(t, rec.HasCode())
}

func TestCanisterRecord_PrimaryID_Empty(t *testing.T) {
	assert.Equal(t, "", CanisterRecord{}.PrimaryID())
}

func TestCanisterRecord_Clone(t *testing.T) {
	rec := NewPlaceholderRecord("id-1")
	c := rec.Clone()
	c.CanisterIDs[0] = "id-2"

	assert.Equal(t, "id-1", rec.CanisterIDs[0])
}

// =============================================================================
// Install Mode Tests
// =============================================================================

func TestInstallMode_Valid(t *testing.T) {
	assert.True(t, ModeInstall.Valid())
	assert.True(t, ModeReinstall.Valid())
	assert.True(t, ModeUpgrade.Valid())
	assert.False(t, InstallMode("wipe").Valid())
}

func TestSelectInstallMode(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		recorded string
		force    bool
		want     InstallMode
	}{
		{"first install", StateRegisteredNoCode, "", false, ModeReinstall},
		{"first install ignores force", StateRegisteredNoCode, "", true, ModeReinstall},
		{"verified new hash", StateVerified, "aa", false, ModeUpgrade},
		{"stopped unit", StateStopped, "aa", false, ModeUpgrade},
		{"corrupted without opt-in", StateCorrupted, "aa", false, ModeUpgrade},
		{"corrupted with opt-in", StateCorrupted, "aa", true, ModeReinstall},
		{"force only applies to corrupted", StateVerified, "aa", true, ModeUpgrade},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectInstallMode(tt.state, tt.recorded, tt.force))
		})
	}
}

// =============================================================================
// Classification Tests
// =============================================================================

func TestClassify(t *testing.T) {
	withCode := &CanisterRecord{CanisterIDs: []string{"id"}, WasmHash: "aa"}
	noCode := &CanisterRecord{CanisterIDs: []string{"id"}}

	tests := []struct {
		name   string
		record *CanisterRecord
		status *UnitStatus
		exists bool
		want   State
	}{
		{"no record", nil, nil, false, StateUnregistered},
		{"remote unknown", withCode, nil, false, StateUnexisting},
		{"created without code", noCode, &UnitStatus{Lifecycle: LifecycleRunning}, true, StateRegisteredNoCode},
		{"hash matches running", withCode, &UnitStatus{Lifecycle: LifecycleRunning, ModuleHash: "aa"}, true, StateVerified},
		{"hash matches stopped", withCode, &UnitStatus{Lifecycle: LifecycleStopped, ModuleHash: "aa"}, true, StateStopped},
		{"hash matches stopping", withCode, &UnitStatus{Lifecycle: LifecycleStopping, ModuleHash: "aa"}, true, StateStopped},
		{"hash differs", withCode, &UnitStatus{Lifecycle: LifecycleRunning, ModuleHash: "bb"}, true, StateCorrupted},
		{"code vanished", withCode, &UnitStatus{Lifecycle: LifecycleRunning}, true, StateCorrupted},
		{"unrecorded code present", noCode, &UnitStatus{Lifecycle: LifecycleRunning, ModuleHash: "bb"}, true, StateCorrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.record, tt.status, tt.exists))
		})
	}
}

func TestCorruptionError(t *testing.T) {
	err := &CorruptionError{Name: "factory", CanisterID: "id", RecordedHash: "aa", RemoteHash: "bb"}

	assert.True(t, errors.Is(err, ErrCorruptionDetected))
	assert.Contains(t, err.Error(), "factory")
	assert.Contains(t, err.Error(), `"bb"`)
}

// =============================================================================
// Name Validation Tests
// =============================================================================

func TestValidateLogicalName(t *testing.T) {
	valid := []string{"factory", "sns_governance", "candid-ui", "ii.v2", "A1"}
	for _, n := range valid {
		assert.NoError(t, ValidateLogicalName(n), n)
	}

	invalid := []string{"", ".", "..", "../etc", "a/b", "a b", ".hidden", "naïve"}
	for _, n := range invalid {
		assert.ErrorIs(t, ValidateLogicalName(n), ErrInvalidName, n)
	}
}

func TestValidateLogicalName_TooLong(t *testing.T) {
	long := make([]byte, MaxLogicalNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, ValidateLogicalName(string(long)), ErrInvalidName)
	assert.NoError(t, ValidateLogicalName(string(long[:MaxLogicalNameLength])))
}
