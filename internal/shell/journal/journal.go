// Package journal keeps a durable history of install attempts in SQLite.
// It is an audit trail only: the registry remains the source of truth for
// what is deployed.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrConnectionFailed is returned when the database cannot be opened.
	ErrConnectionFailed = errors.New("journal connection failed")

	// ErrMigrationFailed is returned when schema migration fails.
	ErrMigrationFailed = errors.New("journal migration failed")

	// ErrInvalidEntry is returned for entries missing required fields.
	ErrInvalidEntry = errors.New("invalid journal entry")
)

// JournalError wraps journal errors with context.
type JournalError struct {
	Op      string
	Name    string
	Message string
	Err     error
}

func (e *JournalError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *JournalError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Entry
// =============================================================================

// Outcome is the result of one install attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Entry is one journaled install attempt.
type Entry struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	CanisterID string        `json:"canisterId"`
	Mode       string        `json:"mode,omitempty"`
	WasmHash   string        `json:"wasmHash"`
	Branch     string        `json:"branch"`
	Tag        string        `json:"tag"`
	Commit     string        `json:"commit"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"durationNs"`
	CreatedAt  time.Time     `json:"createdAt"`
}

type entryRow struct {
	Seq        int64  `db:"seq"`
	ID         string `db:"id"`
	Name       string `db:"name"`
	CanisterID string `db:"canister_id"`
	Mode       string `db:"mode"`
	WasmHash   string `db:"wasm_hash"`
	Branch     string `db:"branch"`
	Tag        string `db:"tag"`
	Commit     string `db:"git_commit"`
	Outcome    string `db:"outcome"`
	Error      string `db:"error"`
	DurationMS int64  `db:"duration_ms"`
	CreatedAt  string `db:"created_at"`
}

func (r entryRow) toEntry() Entry {
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return Entry{
		ID:         r.ID,
		Name:       r.Name,
		CanisterID: r.CanisterID,
		Mode:       r.Mode,
		WasmHash:   r.WasmHash,
		Branch:     r.Branch,
		Tag:        r.Tag,
		Commit:     r.Commit,
		Outcome:    Outcome(r.Outcome),
		Error:      r.Error,
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
		CreatedAt:  created,
	}
}

// =============================================================================
// SQLiteJournal
// =============================================================================

// SQLiteJournal stores entries in SQLite.
type SQLiteJournal struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (or creates) the journal at dsn and runs migrations.
func Open(dsn string) (*SQLiteJournal, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, &JournalError{Op: "Open", Message: "failed to open database", Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &JournalError{Op: "Open", Message: "failed to ping database", Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, &JournalError{Op: "Open", Message: err.Error(), Err: ErrMigrationFailed}
	}

	return &SQLiteJournal{db: db, now: time.Now}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record appends an entry. ID and CreatedAt are filled in when empty.
func (j *SQLiteJournal) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.Name == "" || e.Outcome == "" {
		return Entry{}, &JournalError{Op: "Record", Name: e.Name, Message: "name and outcome are required", Err: ErrInvalidEntry}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now().UTC()
	}

	row := entryRow{
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
		CreatedAt:  e.CreatedAt.Format(time.RFC3339Nano),
	}

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO install_events (
			id, name, canister_id, mode, wasm_hash, branch, tag, git_commit,
			outcome, error, duration_ms, created_at
		) VALUES (
			:id, :name, :canister_id, :mode, :wasm_hash, :branch, :tag, :git_commit,
			:outcome, :error, :duration_ms, :created_at
		)`, row)
	if err != nil {
		return Entry{}, &JournalError{Op: "Record", Name: e.Name, Message: "failed to insert entry", Err: err}
	}
	return e, nil
}

// List returns the entries for name, newest first. limit <= 0 uses
// DefaultListLimit.
func (j *SQLiteJournal) List(ctx context.Context, name string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows []entryRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT seq, id, name, canister_id, mode, wasm_hash, branch, tag, git_commit,
		       outcome, error, duration_ms, created_at
		FROM install_events
		WHERE name = ?
		ORDER BY seq DESC
		LIMIT ?`, name, limit)
	if err != nil {
		return nil, &JournalError{Op: "List", Name: name, Message: "failed to query entries", Err: err}
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toEntry())
	}
	return entries, nil
}
