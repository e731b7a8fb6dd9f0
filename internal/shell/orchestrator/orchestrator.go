// Package orchestrator implements the two-phase canister deployment flow:
// EnsureUnits reserves a canister per logical name, Deploy installs verified
// code into it, and ReconcileOnStartup brings the registry back in line with
// what the emulator actually knows.
//
// A single Orchestrator is constructed by the host process. Deploying the
// same name concurrently is not supported.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/akup/multicanister/internal/core/domain"
	"github.com/akup/multicanister/internal/core/wasm"
	"github.com/akup/multicanister/internal/shell/journal"
	"github.com/akup/multicanister/internal/shell/management"
)

// =============================================================================
// Dependencies
// =============================================================================

// Registry is the durable name to record mapping.
type Registry interface {
	Get(ctx context.Context, name string) (*domain.CanisterRecord, error)
	Set(ctx context.Context, name string, rec domain.CanisterRecord) error
	List(ctx context.Context) (map[string]domain.CanisterRecord, error)
	Delete(ctx context.Context, name string) error
	MarkCorrupted(ctx context.Context, name string, corrupted bool) error
}

// Recorder appends install attempts to a history. Optional.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) (journal.Entry, error)
}

// Config holds orchestrator policy.
type Config struct {
	// AllowForcedReinstall lets callers reinstall a corrupted unit instead of
	// upgrading it. Off by default: reinstall wipes canister state.
	AllowForcedReinstall bool
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator coordinates the registry and the management interface.
type Orchestrator struct {
	registry Registry
	client   management.Client
	journal  Recorder
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator. journal may be nil.
func New(registry Registry, client management.Client, journal Recorder, config Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		client:   client,
		journal:  journal,
		config:   config,
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// =============================================================================
// Phase 1: EnsureUnits
// =============================================================================

// EnsureUnits returns a canister id for every name, creating canisters for
// names that have none. Placeholder records are persisted before returning.
// No code is installed. Names are processed in order and the first failure
// aborts; records persisted before it stay.
func (o *Orchestrator) EnsureUnits(ctx context.Context, names []string) (map[string]string, error) {
	ids := make(map[string]string, len(names))

	for _, name := range names {
		if err := domain.ValidateLogicalName(name); err != nil {
			return nil, newError("EnsureUnits", name, "invalid name", err)
		}
		if _, done := ids[name]; done {
			continue
		}

		rec, err := o.registry.Get(ctx, name)
		switch {
		case err == nil && rec.PrimaryID() != "":
			ids[name] = rec.PrimaryID()
			continue
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return nil, newError("EnsureUnits", name, "failed to read registry", err)
		}

		id, err := o.client.CreateUnit(ctx)
		if err != nil {
			return nil, newError("EnsureUnits", name, "failed to create canister", err)
		}
		if err := o.registry.Set(ctx, name, domain.NewPlaceholderRecord(id)); err != nil {
			return nil, newError("EnsureUnits", name, "failed to persist placeholder", err)
		}

		o.logger.Info("canister reserved", "name", name, "canister_id", id)
		ids[name] = id
	}
	return ids, nil
}

// =============================================================================
// Phase 2: Deploy
// =============================================================================

// DeployRequest describes one install into a registered name.
type DeployRequest struct {
	Name         string
	Module       []byte
	DeclaredHash string
	Provenance   domain.Provenance
	InitArg      []byte

	// ForceReinstall asks for reinstall of a corrupted unit. Honored only
	// when Config.AllowForcedReinstall is set.
	ForceReinstall bool
}

// DeployResult reports what Deploy did.
type DeployResult struct {
	Name    string
	Record  domain.CanisterRecord
	State   domain.State // Classification before the deploy
	Mode    domain.InstallMode
	Skipped bool // Unit already runs the requested module
	Chunks  int
}

// Deploy verifies the module hash, classifies the unit and installs the
// module unless it already runs. The registry record is only updated after
// the remote install succeeds.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	hash, err := wasm.VerifyHash(req.Module, req.DeclaredHash)
	if err != nil {
		return nil, newError("Deploy", req.Name, "module rejected", err)
	}

	rec, err := o.registry.Get(ctx, req.Name)
	if err != nil {
		return nil, newError("Deploy", req.Name, "no registered canister", err)
	}
	id := rec.PrimaryID()
	if id == "" {
		return nil, newError("Deploy", req.Name, "record has no canister id", domain.ErrNotFound)
	}

	state, _, err := o.classify(ctx, rec, id)
	if err != nil {
		return nil, newError("Deploy", req.Name, "failed to query canister status", err)
	}

	started := o.now()
	entry := journal.Entry{
		Name:       req.Name,
		CanisterID: id,
		WasmHash:   hash,
		Branch:     req.Provenance.Branch,
		Tag:        req.Provenance.Tag,
		Commit:     req.Provenance.Commit,
	}

	if state == domain.StateVerified && rec.WasmHash == hash {
		o.logger.Info("module already installed", "name", req.Name, "canister_id", id, "wasm_hash", hash)
		entry.Outcome = journal.OutcomeSkipped
		o.record(ctx, entry)
		return &DeployResult{Name: req.Name, Record: rec.Clone(), State: state, Skipped: true}, nil
	}

	if state == domain.StateUnexisting {
		entry.Outcome = journal.OutcomeFailed
		entry.Error = domain.ErrUnexisting.Error()
		o.record(ctx, entry)
		return nil, newError("Deploy", req.Name, fmt.Sprintf("canister %s is unknown to the emulator", id), domain.ErrUnexisting)
	}

	force := req.ForceReinstall && o.config.AllowForcedReinstall
	if req.ForceReinstall && !force {
		o.logger.Warn("forced reinstall requested but disabled by configuration", "name", req.Name)
	}
	mode := domain.SelectInstallMode(state, rec.WasmHash, force)
	entry.Mode = string(mode)

	o.logger.Info("deploying module",
		"name", req.Name,
		"canister_id", id,
		"state", state,
		"mode", mode,
		"wasm_hash", hash,
		"bytes", len(req.Module),
	)

	hashes, err := o.client.UploadChunks(ctx, id, req.Module)
	if err != nil {
		return nil, o.installFailed(ctx, entry, started, "upload", err)
	}

	err = o.client.InstallChunkedCode(ctx, management.InstallRequest{
		CanisterID:  id,
		Mode:        mode,
		ChunkHashes: hashes,
		WasmHash:    hash,
		Arg:         req.InitArg,
	})
	if err != nil {
		return nil, o.installFailed(ctx, entry, started, "install", err)
	}

	updated := domain.NewInstalledRecord(id, hash, req.Provenance)
	updated.CanisterIDs = append([]string(nil), rec.CanisterIDs...)
	if err := o.registry.Set(ctx, req.Name, updated); err != nil {
		o.logger.Error("module installed but registry write failed", "name", req.Name, "canister_id", id, "error", err)
		entry.Outcome = journal.OutcomeFailed
		entry.Error = err.Error()
		entry.Duration = o.now().Sub(started)
		o.record(ctx, entry)
		return nil, newError("Deploy", req.Name, "failed to persist record", err)
	}

	entry.Outcome = journal.OutcomeSucceeded
	entry.Duration = o.now().Sub(started)
	o.record(ctx, entry)

	o.logger.Info("module deployed", "name", req.Name, "canister_id", id, "mode", mode, "chunks", len(hashes))
	return &DeployResult{
		Name:   req.Name,
		Record: updated,
		State:  state,
		Mode:   mode,
		Chunks: len(hashes),
	}, nil
}

func (o *Orchestrator) installFailed(ctx context.Context, entry journal.Entry, started time.Time, stage string, err error) error {
	o.logger.Error("install failed",
		"name", entry.Name,
		"canister_id", entry.CanisterID,
		"mode", entry.Mode,
		"stage", stage,
		"error", err,
	)
	entry.Outcome = journal.OutcomeFailed
	entry.Error = err.Error()
	entry.Duration = o.now().Sub(started)
	o.record(ctx, entry)

	return &InstallError{
		Name:       entry.Name,
		CanisterID: entry.CanisterID,
		Mode:       domain.InstallMode(entry.Mode),
		Stage:      stage,
		Err:        err,
	}
}

// record appends to the journal. Failures are logged only.
func (o *Orchestrator) record(ctx context.Context, e journal.Entry) {
	if o.journal == nil {
		return
	}
	if _, err := o.journal.Record(ctx, e); err != nil {
		o.logger.Warn("failed to journal install attempt", "name", e.Name, "outcome", e.Outcome, "error", err)
	}
}

// classify queries the remote status of id and classifies rec against it.
// A remote "unknown canister" answer is a classification, not an error.
func (o *Orchestrator) classify(ctx context.Context, rec *domain.CanisterRecord, id string) (domain.State, *domain.UnitStatus, error) {
	status, err := o.client.UnitStatus(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrUnexisting) {
			return domain.Classify(rec, nil, false), nil, nil
		}
		return "", nil, err
	}
	return domain.Classify(rec, status, true), status, nil
}

// =============================================================================
// Reconciliation
// =============================================================================

// ReconcileReport summarizes a startup sweep.
type ReconcileReport struct {
	Checked   int
	Healthy   []string // Verified, stopped or registered without code
	Corrupted []string
	Purged    []string
	Failed    map[string]error
}

// ReconcileOnStartup classifies every registered name. Corrupted units are
// flagged, names whose canister the emulator no longer knows are deleted.
// A failure for one name is logged and reported; it does not stop the sweep.
func (o *Orchestrator) ReconcileOnStartup(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Failed: map[string]error{}}

	records, err := o.registry.List(ctx)
	if err != nil {
		return report, newError("ReconcileOnStartup", "", "failed to list registry", err)
	}

	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec := records[name]
		report.Checked++

		state, err := o.reconcileOne(ctx, name, &rec)
		if err != nil {
			o.logger.Error("reconcile failed", "name", name, "error", err)
			report.Failed[name] = err
			continue
		}

		switch state {
		case domain.StateCorrupted:
			report.Corrupted = append(report.Corrupted, name)
		case domain.StateUnexisting:
			report.Purged = append(report.Purged, name)
		default:
			report.Healthy = append(report.Healthy, name)
		}
	}

	o.logger.Info("reconciliation complete",
		"checked", report.Checked,
		"healthy", len(report.Healthy),
		"corrupted", len(report.Corrupted),
		"purged", len(report.Purged),
		"failed", len(report.Failed),
	)
	return report, nil
}

// reconcileOne classifies every id of a record and applies the first
// non-healthy outcome.
func (o *Orchestrator) reconcileOne(ctx context.Context, name string, rec *domain.CanisterRecord) (domain.State, error) {
	if len(rec.CanisterIDs) == 0 {
		return "", newError("ReconcileOnStartup", name, "record has no canister id", domain.ErrNotFound)
	}

	worst := domain.StateVerified
	for _, id := range rec.CanisterIDs {
		state, status, err := o.classify(ctx, rec, id)
		if err != nil {
			return "", newError("ReconcileOnStartup", name, "failed to query canister status", err)
		}

		switch state {
		case domain.StateUnexisting:
			o.logger.Warn("canister unknown to emulator, removing record", "name", name, "canister_id", id)
			if err := o.registry.Delete(ctx, name); err != nil {
				return "", newError("ReconcileOnStartup", name, "failed to delete record", err)
			}
			return state, nil

		case domain.StateCorrupted:
			corruption := &domain.CorruptionError{
				Name:         name,
				CanisterID:   id,
				RecordedHash: rec.WasmHash,
				RemoteHash:   status.ModuleHash,
			}
			o.logger.Warn("canister corrupted", "name", name, "canister_id", id, "error", corruption)
			if err := o.registry.MarkCorrupted(ctx, name, true); err != nil {
				return "", newError("ReconcileOnStartup", name, "failed to mark corrupted", err)
			}
			worst = state

		default:
			if worst != domain.StateCorrupted {
				worst = state
			}
		}
	}
	return worst, nil
}
