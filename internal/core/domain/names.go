package domain

import "fmt"

// =============================================================================
// Logical Names
// =============================================================================

// MaxLogicalNameLength bounds names so they stay valid file names everywhere.
const MaxLogicalNameLength = 128

// ValidateLogicalName checks that name can be used as a registry key.
//
// The accepted alphabet is:
//   - ASCII letters and digits
//   - underscore, hyphen and dot
//
// Names may not start with a dot, which also excludes "." and "..".
//
// Example:
//
//	ValidateLogicalName("factory")        // nil
//	ValidateLogicalName("sns_governance") // nil
//	ValidateLogicalName("../etc")         // ErrInvalidName
func ValidateLogicalName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxLogicalNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxLogicalNameLength)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}
