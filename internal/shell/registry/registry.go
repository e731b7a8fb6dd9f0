// Package registry persists canister records, one JSON file per logical name.
//
// The registry is not internally serialized: a single orchestrator is the
// only writer, and callers must not deploy the same name concurrently.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/akup/multicanister/internal/core/domain"
)

const fileExt = ".json"

// =============================================================================
// Error Types
// =============================================================================

// ErrInvalidData is returned when a record file cannot be decoded.
var ErrInvalidData = errors.New("invalid record data")

// RegistryError wraps registry errors with context.
type RegistryError struct {
	Op      string // Operation that failed (e.g., "Set")
	Name    string // Logical name if applicable
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

func newError(op, name, message string, err error) *RegistryError {
	return &RegistryError{Op: op, Name: name, Message: message, Err: err}
}

// =============================================================================
// FileRegistry
// =============================================================================

// FileRegistry stores records under dir/<name>.json.
type FileRegistry struct {
	dir    string
	logger *slog.Logger
}

// NewFileRegistry creates a registry rooted at dir, creating it if needed.
func NewFileRegistry(dir string, logger *slog.Logger) (*FileRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newError("Open", "", "failed to create registry directory", err)
	}
	return &FileRegistry{
		dir:    dir,
		logger: logger.With("component", "registry"),
	}, nil
}

// Dir returns the registry directory.
func (r *FileRegistry) Dir() string {
	return r.dir
}

// Get returns the record for name, or domain.ErrNotFound.
func (r *FileRegistry) Get(ctx context.Context, name string) (*domain.CanisterRecord, error) {
	if err := domain.ValidateLogicalName(name); err != nil {
		return nil, newError("Get", name, "invalid name", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(r.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError("Get", name, "record not found", domain.ErrNotFound)
		}
		return nil, newError("Get", name, "failed to read record", err)
	}

	var rec domain.CanisterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, newError("Get", name, "failed to decode record", fmt.Errorf("%w: %v", ErrInvalidData, err))
	}
	return &rec, nil
}

// Set writes the record for name. The file is replaced atomically.
func (r *FileRegistry) Set(ctx context.Context, name string, rec domain.CanisterRecord) error {
	if err := domain.ValidateLogicalName(name); err != nil {
		return newError("Set", name, "invalid name", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.CanisterIDs == nil {
		rec.CanisterIDs = []string{}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return newError("Set", name, "failed to encode record", err)
	}

	if err := writeFileAtomic(r.dir, r.path(name), data); err != nil {
		return newError("Set", name, "failed to write record", err)
	}

	r.logger.Debug("record written", "name", name, "canister_id", rec.PrimaryID(), "wasm_hash", rec.WasmHash)
	return nil
}

// List returns every readable record keyed by name. Files that fail to
// decode are logged and skipped.
func (r *FileRegistry) List(ctx context.Context) (map[string]domain.CanisterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]domain.CanisterRecord{}, nil
		}
		return nil, newError("List", "", "failed to read registry directory", err)
	}

	records := make(map[string]domain.CanisterRecord, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileExt)
		if domain.ValidateLogicalName(name) != nil {
			continue
		}

		rec, err := r.Get(ctx, name)
		if err != nil {
			r.logger.Warn("skipping unreadable record", "name", name, "error", err)
			continue
		}
		records[name] = *rec
	}
	return records, nil
}

// Delete removes the record for name. A missing record is not an error.
func (r *FileRegistry) Delete(ctx context.Context, name string) error {
	if err := domain.ValidateLogicalName(name); err != nil {
		return newError("Delete", name, "invalid name", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(r.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newError("Delete", name, "failed to remove record", err)
	}
	r.logger.Debug("record deleted", "name", name)
	return nil
}

// MarkCorrupted sets the corrupted flag on an existing record.
func (r *FileRegistry) MarkCorrupted(ctx context.Context, name string, corrupted bool) error {
	rec, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if rec.Corrupted == corrupted {
		return nil
	}
	rec.Corrupted = corrupted
	return r.Set(ctx, name, *rec)
}

func (r *FileRegistry) path(name string) string {
	return filepath.Join(r.dir, name+fileExt)
}

// writeFileAtomic writes data to a temp file in dir and renames it over path.
func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
