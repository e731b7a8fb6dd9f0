package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/akup/multicanister/internal/core/domain"
	"github.com/akup/multicanister/internal/core/mgmt"
	"github.com/akup/multicanister/internal/core/wasm"
	"github.com/akup/multicanister/internal/shell/journal"
	"github.com/akup/multicanister/internal/shell/management"
)

// =============================================================================
// Fake management interface
// =============================================================================

type fakeUnit struct {
	lifecycle  domain.Lifecycle
	moduleHash string
	chunks     map[string][]byte
	order      []string
}

// fakeManagement is an in-memory emulator with call counters.
type fakeManagement struct {
	mu       sync.Mutex
	units    map[string]*fakeUnit
	nextID   int
	ops      []string
	creates  int
	clears   int
	uploads  int
	installs []management.InstallRequest
	statuses int

	createErr  error
	uploadErr  error
	installErr error
	statusErr  error
}

func newFakeManagement() *fakeManagement {
	return &fakeManagement{units: map[string]*fakeUnit{}}
}

func (f *fakeManagement) CreateUnit(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.ops = append(f.ops, mgmt.MethodCreateCanister)
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("unit-%d", f.nextID)
	f.units[id] = &fakeUnit{lifecycle: domain.LifecycleRunning, chunks: map[string][]byte{}}
	return id, nil
}

func (f *fakeManagement) UploadChunks(ctx context.Context, unitID string, module []byte) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok {
		return nil, management.NewError(mgmt.MethodClearChunkStore, unitID, "not found", domain.ErrUnexisting)
	}
	f.clears++
	f.ops = append(f.ops, mgmt.MethodClearChunkStore)
	u.chunks = map[string][]byte{}
	u.order = nil

	if f.uploadErr != nil {
		return nil, f.uploadErr
	}

	var hashes []string
	for _, chunk := range wasm.Split(module, wasm.ChunkSize) {
		f.uploads++
		f.ops = append(f.ops, mgmt.MethodUploadChunk)
		h := wasm.Hash(chunk)
		u.chunks[h] = chunk
		u.order = append(u.order, h)
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func (f *fakeManagement) InstallChunkedCode(ctx context.Context, req management.InstallRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, req)
	f.ops = append(f.ops, mgmt.MethodInstallChunkedCode)
	if f.installErr != nil {
		return f.installErr
	}

	u, ok := f.units[req.CanisterID]
	if !ok {
		return management.NewError(mgmt.MethodInstallChunkedCode, req.CanisterID, "not found", domain.ErrUnexisting)
	}
	var module []byte
	for _, h := range req.ChunkHashes {
		chunk, ok := u.chunks[h]
		if !ok {
			return management.NewError(mgmt.MethodInstallChunkedCode, req.CanisterID, "missing chunk", management.ErrRejected)
		}
		module = append(module, chunk...)
	}
	if wasm.Hash(module) != req.WasmHash {
		return management.NewError(mgmt.MethodInstallChunkedCode, req.CanisterID, "wasm module hash mismatch", management.ErrRejected)
	}
	u.moduleHash = req.WasmHash
	return nil
}

func (f *fakeManagement) UnitStatus(ctx context.Context, unitID string) (*domain.UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	u, ok := f.units[unitID]
	if !ok {
		return nil, management.NewError(mgmt.MethodCanisterStatus, unitID, "not found", domain.ErrUnexisting)
	}
	return &domain.UnitStatus{Lifecycle: u.lifecycle, ModuleHash: u.moduleHash}, nil
}

// remoteCalls counts every mutating or querying call.
func (f *fakeManagement) remoteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + f.clears + f.uploads + len(f.installs) + f.statuses
}

func (f *fakeManagement) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.units, id)
}

func (f *fakeManagement) tamper(id, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[id].moduleHash = hash
}

func (f *fakeManagement) setLifecycle(id string, l domain.Lifecycle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[id].lifecycle = l
}

// addUnit registers a unit that exists remotely but was never created
// through this fake's CreateUnit.
func (f *fakeManagement) addUnit(id, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[id] = &fakeUnit{lifecycle: domain.LifecycleRunning, moduleHash: hash, chunks: map[string][]byte{}}
}

// =============================================================================
// Failing collaborators
// =============================================================================

type failingJournal struct{}

func (failingJournal) Record(ctx context.Context, e journal.Entry) (journal.Entry, error) {
	return journal.Entry{}, errors.New("disk full")
}
