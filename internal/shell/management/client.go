// Package management provides a client for the IC management canister:
// canister creation, chunked code upload, install and status. Calls are
// Candid encoded and submitted as ingress messages from the orchestrator's
// identity, which becomes the controller of every canister it creates.
package management

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/akup/multicanister/internal/core/crypto"
	"github.com/akup/multicanister/internal/core/domain"
	"github.com/akup/multicanister/internal/core/mgmt"
	"github.com/akup/multicanister/internal/core/wasm"
)

// DefaultInitialCycles is the allotment given to every new canister.
const DefaultInitialCycles = "1000000000000000000000"

// DefaultTimeout bounds a single management call. Installs can be slow.
const DefaultTimeout = 5 * time.Minute

// =============================================================================
// Interface
// =============================================================================

// Client is the management surface the orchestrator depends on.
type Client interface {
	// CreateUnit creates a canister with the configured cycle allotment and
	// returns its textual id.
	CreateUnit(ctx context.Context) (string, error)

	// UploadChunks clears the unit's chunk store once, then uploads the
	// module in ChunkSize pieces sequentially. Returns chunk hashes in
	// upload order.
	UploadChunks(ctx context.Context, unitID string, module []byte) ([]string, error)

	// InstallChunkedCode installs previously uploaded chunks.
	InstallChunkedCode(ctx context.Context, req InstallRequest) error

	// UnitStatus queries the remote state. Unknown units yield an error
	// satisfying errors.Is(err, domain.ErrUnexisting).
	UnitStatus(ctx context.Context, unitID string) (*domain.UnitStatus, error)
}

// InstallRequest describes one install_chunked_code call.
type InstallRequest struct {
	CanisterID  string
	Mode        domain.InstallMode
	ChunkHashes []string
	WasmHash    string
	Arg         []byte
}

// Ingress executes an update call and returns the Candid reply. A refused
// call yields a *mgmt.Reject. *emulator.Instance satisfies it.
type Ingress interface {
	Execute(ctx context.Context, call mgmt.Call) ([]byte, error)
}

// Sender is the identity calls are made as. *identity.Identity satisfies it.
type Sender interface {
	Principal() []byte
}

// =============================================================================
// Ingress Client
// =============================================================================

// Config holds management client configuration.
type Config struct {
	Timeout       time.Duration
	InitialCycles string // Decimal cycle amount for new canisters
	ChunkSize     int
}

// IngressClient calls the management canister through an Ingress.
type IngressClient struct {
	ingress   Ingress
	sender    []byte
	cycles    *big.Int
	chunkSize int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClient creates a new management client.
func NewClient(cfg Config, ingress Ingress, sender Sender, logger *slog.Logger) (*IngressClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ingress == nil {
		return nil, fmt.Errorf("management client requires an ingress")
	}
	if sender == nil {
		return nil, fmt.Errorf("management client requires a sender")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	amount := cfg.InitialCycles
	if amount == "" {
		amount = DefaultInitialCycles
	}
	cycles, ok := new(big.Int).SetString(amount, 10)
	if !ok || cycles.Sign() <= 0 {
		return nil, fmt.Errorf("invalid initial cycles %q", amount)
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = wasm.ChunkSize
	}
	return &IngressClient{
		ingress:   ingress,
		sender:    sender.Principal(),
		cycles:    cycles,
		chunkSize: chunkSize,
		timeout:   timeout,
		logger:    logger.With("component", "management"),
	}, nil
}

var _ Client = (*IngressClient)(nil)

// =============================================================================
// Operations
// =============================================================================

// CreateUnit calls provisional_create_canister_with_cycles.
func (c *IngressClient) CreateUnit(ctx context.Context) (string, error) {
	const method = mgmt.MethodCreateCanister

	arg, err := mgmt.EncodeCreateCanister(c.cycles)
	if err != nil {
		return "", NewError(method, "", "failed to encode request", err)
	}
	reply, err := c.call(ctx, method, "", nil, arg)
	if err != nil {
		return "", err
	}
	raw, err := mgmt.DecodeCreateCanister(reply)
	if err != nil {
		return "", NewError(method, "", "failed to decode reply", fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}

	id := crypto.PrincipalText(raw)
	c.logger.Info("canister created", "canister_id", id)
	return id, nil
}

// UploadChunks clears the chunk store and uploads module piece by piece.
func (c *IngressClient) UploadChunks(ctx context.Context, unitID string, module []byte) ([]string, error) {
	target, err := parseTarget(mgmt.MethodClearChunkStore, unitID)
	if err != nil {
		return nil, err
	}

	arg, err := mgmt.EncodeCanisterID(target)
	if err != nil {
		return nil, NewError(mgmt.MethodClearChunkStore, unitID, "failed to encode request", err)
	}
	reply, err := c.call(ctx, mgmt.MethodClearChunkStore, unitID, target, arg)
	if err != nil {
		return nil, err
	}
	if err := mgmt.DecodeEmpty(reply); err != nil {
		return nil, NewError(mgmt.MethodClearChunkStore, unitID, "failed to decode reply", fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}

	chunks := wasm.Split(module, c.chunkSize)
	hashes := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		arg, err := mgmt.EncodeUploadChunk(target, chunk)
		if err != nil {
			return nil, NewError(mgmt.MethodUploadChunk, unitID, "failed to encode request", err)
		}
		reply, err := c.call(ctx, mgmt.MethodUploadChunk, unitID, target, arg)
		if err != nil {
			return nil, err
		}
		stored, err := mgmt.DecodeUploadChunk(reply)
		if err != nil {
			return nil, NewError(mgmt.MethodUploadChunk, unitID, "failed to decode reply", fmt.Errorf("%w: %v", ErrInvalidResponse, err))
		}

		expected := wasm.Hash(chunk)
		if got := hex.EncodeToString(stored); got != expected {
			return nil, NewError(mgmt.MethodUploadChunk, unitID,
				fmt.Sprintf("chunk %d stored with hash %s, expected %s", i, got, expected), ErrInvalidResponse)
		}
		hashes = append(hashes, expected)

		c.logger.Debug("chunk uploaded",
			"canister_id", unitID,
			"chunk", i+1,
			"of", len(chunks),
			"bytes", len(chunk),
		)
	}
	return hashes, nil
}

// InstallChunkedCode calls install_chunked_code.
func (c *IngressClient) InstallChunkedCode(ctx context.Context, req InstallRequest) error {
	const method = mgmt.MethodInstallChunkedCode

	if !req.Mode.Valid() {
		return NewError(method, req.CanisterID, fmt.Sprintf("unknown install mode %q", req.Mode), ErrRejected)
	}
	target, err := parseTarget(method, req.CanisterID)
	if err != nil {
		return err
	}
	wasmHash, err := hex.DecodeString(req.WasmHash)
	if err != nil {
		return NewError(method, req.CanisterID, "wasm hash is not hex", ErrRejected)
	}
	chunkHashes := make([][]byte, len(req.ChunkHashes))
	for i, h := range req.ChunkHashes {
		if chunkHashes[i], err = hex.DecodeString(h); err != nil {
			return NewError(method, req.CanisterID, fmt.Sprintf("chunk hash %d is not hex", i), ErrRejected)
		}
	}

	arg, err := mgmt.EncodeInstallChunkedCode(mgmt.InstallArgs{
		Mode:        string(req.Mode),
		Target:      target,
		ChunkHashes: chunkHashes,
		WasmHash:    wasmHash,
		Arg:         req.Arg,
	})
	if err != nil {
		return NewError(method, req.CanisterID, "failed to encode request", err)
	}
	reply, err := c.call(ctx, method, req.CanisterID, target, arg)
	if err != nil {
		return err
	}
	if err := mgmt.DecodeEmpty(reply); err != nil {
		return NewError(method, req.CanisterID, "failed to decode reply", fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}

	c.logger.Info("code installed",
		"canister_id", req.CanisterID,
		"mode", req.Mode,
		"wasm_hash", req.WasmHash,
		"chunks", len(req.ChunkHashes),
	)
	return nil
}

// UnitStatus calls canister_status.
func (c *IngressClient) UnitStatus(ctx context.Context, unitID string) (*domain.UnitStatus, error) {
	const method = mgmt.MethodCanisterStatus

	target, err := parseTarget(method, unitID)
	if err != nil {
		return nil, err
	}
	arg, err := mgmt.EncodeCanisterID(target)
	if err != nil {
		return nil, NewError(method, unitID, "failed to encode request", err)
	}
	reply, err := c.call(ctx, method, unitID, target, arg)
	if err != nil {
		return nil, err
	}
	status, err := mgmt.DecodeCanisterStatus(reply)
	if err != nil {
		return nil, NewError(method, unitID, "failed to decode reply", fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}

	return &domain.UnitStatus{
		Lifecycle:  domain.Lifecycle(status.Status),
		ModuleHash: hex.EncodeToString(status.ModuleHash),
	}, nil
}

// =============================================================================
// Transport
// =============================================================================

// call submits one management call as the sender, bounded by the call
// timeout.
func (c *IngressClient) call(ctx context.Context, method, canisterID string, target, arg []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.ingress.Execute(ctx, mgmt.NewCall(c.sender, target, method, arg))
	if err != nil {
		return nil, translateError(method, canisterID, err)
	}
	return reply, nil
}

// parseTarget decodes a textual canister id. An id that does not parse
// cannot exist remotely.
func parseTarget(method, unitID string) ([]byte, error) {
	raw, err := crypto.ParsePrincipal(unitID)
	if err != nil {
		return nil, NewError(method, unitID, "invalid canister id", fmt.Errorf("%w: %v", domain.ErrUnexisting, err))
	}
	if bytes.Equal(raw, mgmt.ManagementCanister) {
		return nil, NewError(method, unitID, "the management canister is not a unit", domain.ErrUnexisting)
	}
	return raw, nil
}
