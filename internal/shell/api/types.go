package api

import (
	"time"

	"github.com/akup/multicanister/internal/core/domain"
	"github.com/akup/multicanister/internal/shell/journal"
)

// =============================================================================
// Request Types
// =============================================================================

// GetCanisterIDsRequest is the request body for reserving canisters.
type GetCanisterIDsRequest struct {
	Names []string `json:"names"`
}

// UploadForm documents the multipart fields accepted by /api/upload.
type UploadForm struct {
	File           []byte `json:"file" format:"binary" doc:"WASM module bytes"`
	SHA256         string `json:"sha256" doc:"hex SHA-256 of file"`
	Name           string `json:"name" doc:"logical name reserved by get-canister-ids"`
	Branch         string `json:"branch,omitempty"`
	Tag            string `json:"tag,omitempty"`
	Commit         string `json:"commit,omitempty"`
	InitArgB64     string `json:"initArgB64,omitempty" doc:"base64 candid-encoded init/upgrade argument"`
	UpdateStrategy string `json:"updateStrategy,omitempty" doc:"\"reinstall\" requests a forced reinstall of a corrupted canister"`
}

// =============================================================================
// Response Types
// =============================================================================

// UploadResponse is returned after a successful deploy.
type UploadResponse struct {
	Message string                `json:"message"`
	Data    domain.CanisterRecord `json:"data"`
}

// HistoryEntry is one journaled install attempt.
type HistoryEntry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CanisterID string    `json:"canisterId"`
	Mode       string    `json:"mode,omitempty"`
	WasmHash   string    `json:"wasmHash"`
	Branch     string    `json:"branch"`
	Tag        string    `json:"tag"`
	Commit     string    `json:"commit"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HistoryResponse lists install attempts for a name, newest first.
type HistoryResponse struct {
	Name    string         `json:"name"`
	Entries []HistoryEntry `json:"entries"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func historyEntryFromJournal(e journal.Entry) HistoryEntry {
	return HistoryEntry{
		ID:         e.ID,
		Name:       e.Name,
		CanisterID: e.CanisterID,
		Mode:       e.Mode,
		WasmHash:   e.WasmHash,
		Branch:     e.Branch,
		Tag:        e.Tag,
		Commit:     e.Commit,
		Outcome:    string(e.Outcome),
		Error:      e.Error,
		DurationMS: e.Duration.Milliseconds(),
		CreatedAt:  e.CreatedAt,
	}
}
