// Package mgmt defines the Candid interface of the IC management canister as
// used by the orchestrator, the ingress call shape that carries it and the
// reject codes the replica answers with.
//
// This package contains pure types with no I/O.
package mgmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/akup/multicanister/internal/core/candid"
)

// =============================================================================
// Methods
// =============================================================================

// Management canister methods.
const (
	MethodCreateCanister     = "provisional_create_canister_with_cycles"
	MethodClearChunkStore    = "clear_chunk_store"
	MethodUploadChunk        = "upload_chunk"
	MethodInstallChunkedCode = "install_chunked_code"
	MethodCanisterStatus     = "canister_status"
)

// ManagementCanister is the raw principal aaaaa-aa.
var ManagementCanister = []byte{}

// ErrUnexpectedReply is returned when a reply does not have the shape the
// method declares.
var ErrUnexpectedReply = errors.New("unexpected management reply")

// =============================================================================
// Ingress Call
// =============================================================================

// Call is one ingress update message. Effective is the principal the call is
// routed by; nil routes it to any subnet, which only canister creation may use.
type Call struct {
	Sender    []byte
	Canister  []byte
	Effective []byte
	Method    string
	Arg       []byte
}

// NewCall addresses method on the management canister. target is the
// canister the call concerns, nil for creation.
func NewCall(sender, target []byte, method string, arg []byte) Call {
	return Call{
		Sender:    sender,
		Canister:  ManagementCanister,
		Effective: target,
		Method:    method,
		Arg:       arg,
	}
}

// =============================================================================
// Arguments and Replies
// =============================================================================

var (
	chunkHash  = candid.Record(candid.NamedField("hash", candid.Blob))
	noneRecord = candid.Record()
)

// EncodeCreateCanister encodes provisional_create_canister_with_cycles with
// the given amount and default settings, which make the sender the controller.
func EncodeCreateCanister(cycles *big.Int) ([]byte, error) {
	return candid.Encode(candid.RecordValue(
		candid.Named("amount", candid.Some(candid.NatValue(cycles))),
	))
}

// DecodeCreateCanister returns the raw id of the created canister.
func DecodeCreateCanister(reply []byte) ([]byte, error) {
	rec, err := decodeRecord(reply)
	if err != nil {
		return nil, err
	}
	f, ok := rec.Field("canister_id")
	if !ok {
		return nil, fmt.Errorf("%w: missing canister_id", ErrUnexpectedReply)
	}
	id, ok := f.Principal()
	if !ok {
		return nil, fmt.Errorf("%w: canister_id is not a principal", ErrUnexpectedReply)
	}
	return id, nil
}

// EncodeCanisterID encodes the record { canister_id } argument shared by
// clear_chunk_store and canister_status.
func EncodeCanisterID(canister []byte) ([]byte, error) {
	return candid.Encode(candid.RecordValue(
		candid.Named("canister_id", candid.PrincipalValue(canister)),
	))
}

// EncodeUploadChunk encodes upload_chunk.
func EncodeUploadChunk(canister, chunk []byte) ([]byte, error) {
	return candid.Encode(candid.RecordValue(
		candid.Named("canister_id", candid.PrincipalValue(canister)),
		candid.Named("chunk", candid.BlobValue(chunk)),
	))
}

// DecodeUploadChunk returns the SHA-256 the replica stored the chunk under.
func DecodeUploadChunk(reply []byte) ([]byte, error) {
	rec, err := decodeRecord(reply)
	if err != nil {
		return nil, err
	}
	f, ok := rec.Field("hash")
	if !ok {
		return nil, fmt.Errorf("%w: missing hash", ErrUnexpectedReply)
	}
	hash, ok := f.Blob()
	if !ok {
		return nil, fmt.Errorf("%w: hash is not a blob", ErrUnexpectedReply)
	}
	return hash, nil
}

// InstallArgs is the argument of install_chunked_code. Mode is "install",
// "reinstall" or "upgrade".
type InstallArgs struct {
	Mode        string
	Target      []byte
	ChunkHashes [][]byte
	WasmHash    []byte
	Arg         []byte
}

// EncodeInstallChunkedCode encodes install_chunked_code. Upgrade is sent
// without upgrade options.
func EncodeInstallChunkedCode(args InstallArgs) ([]byte, error) {
	var mode candid.Value
	switch args.Mode {
	case "install", "reinstall":
		mode = candid.VariantValue(args.Mode, candid.NullValue())
	case "upgrade":
		mode = candid.VariantValue(args.Mode, candid.None(noneRecord))
	default:
		return nil, fmt.Errorf("unknown install mode %q", args.Mode)
	}

	hashes := make([]candid.Value, len(args.ChunkHashes))
	for i, h := range args.ChunkHashes {
		hashes[i] = candid.RecordValue(candid.Named("hash", candid.BlobValue(h)))
		hashes[i].Type = chunkHash
	}

	return candid.Encode(candid.RecordValue(
		candid.Named("mode", mode),
		candid.Named("target_canister", candid.PrincipalValue(args.Target)),
		candid.Named("chunk_hashes_list", candid.VecValue(chunkHash, hashes...)),
		candid.Named("wasm_module_hash", candid.BlobValue(args.WasmHash)),
		candid.Named("arg", candid.BlobValue(args.Arg)),
	))
}

// Status is the part of a canister_status reply the orchestrator reads.
// ModuleHash is nil when no code is installed.
type Status struct {
	Status     string
	ModuleHash []byte
}

var statuses = []string{"running", "stopping", "stopped"}

// DecodeCanisterStatus reads the run state and module hash from a
// canister_status reply. Other fields are ignored.
func DecodeCanisterStatus(reply []byte) (*Status, error) {
	rec, err := decodeRecord(reply)
	if err != nil {
		return nil, err
	}

	out := &Status{}
	f, ok := rec.Field("status")
	if !ok {
		return nil, fmt.Errorf("%w: missing status", ErrUnexpectedReply)
	}
	for _, s := range statuses {
		if f.Is(s) {
			out.Status = s
		}
	}
	if out.Status == "" {
		return nil, fmt.Errorf("%w: unknown status", ErrUnexpectedReply)
	}

	f, ok = rec.Field("module_hash")
	if !ok {
		return nil, fmt.Errorf("%w: missing module_hash", ErrUnexpectedReply)
	}
	if inner, present := f.Opt(); present {
		if out.ModuleHash, ok = inner.Blob(); !ok {
			return nil, fmt.Errorf("%w: module_hash is not a blob", ErrUnexpectedReply)
		}
	}
	return out, nil
}

// DecodeEmpty checks a reply that carries no values.
func DecodeEmpty(reply []byte) error {
	if _, err := candid.Decode(reply); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return nil
}

func decodeRecord(reply []byte) (candid.Value, error) {
	values, err := candid.Decode(reply)
	if err != nil {
		return candid.Value{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if len(values) == 0 || values[0].Kind() != candid.KindRecord {
		return candid.Value{}, fmt.Errorf("%w: expected a record", ErrUnexpectedReply)
	}
	return values[0], nil
}

// =============================================================================
// Rejects
// =============================================================================

// RejectCode classifies a rejected call.
type RejectCode int

// Reject codes.
const (
	RejectSysFatal           RejectCode = 1
	RejectSysTransient       RejectCode = 2
	RejectDestinationInvalid RejectCode = 3
	RejectCanisterReject     RejectCode = 4
	RejectCanisterError      RejectCode = 5
	RejectSysUnknown         RejectCode = 6
)

var rejectNames = map[RejectCode]string{
	RejectSysFatal:           "SysFatal",
	RejectSysTransient:       "SysTransient",
	RejectDestinationInvalid: "DestinationInvalid",
	RejectCanisterReject:     "CanisterReject",
	RejectCanisterError:      "CanisterError",
	RejectSysUnknown:         "SysUnknown",
}

func (c RejectCode) String() string {
	if name, ok := rejectNames[c]; ok {
		return name
	}
	return "RejectCode(" + strconv.Itoa(int(c)) + ")"
}

// UnmarshalJSON accepts the code as a number or by name.
func (c *RejectCode) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*c = RejectCode(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("reject code: %w", err)
	}
	for code, known := range rejectNames {
		if known == name {
			*c = code
			return nil
		}
	}
	return fmt.Errorf("unknown reject code %q", name)
}

// ErrorCode is the replica's detailed error code, either by name
// ("CanisterNotFound") or in its numeric form ("IC0301").
type ErrorCode string

// Error codes that mean the addressed canister does not exist.
const (
	ErrorCanisterNotFound        ErrorCode = "CanisterNotFound"
	ErrorCanisterNotFoundNumeric ErrorCode = "IC0301"
)

// UnmarshalJSON accepts the code as a name, an "IC" string or a number.
func (e *ErrorCode) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*e = ErrorCode(fmt.Sprintf("IC%04d", n))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	*e = ErrorCode(s)
	return nil
}

// Reject is a call the replica or the management canister refused.
type Reject struct {
	Code      RejectCode `json:"reject_code"`
	ErrorCode ErrorCode  `json:"error_code,omitempty"`
	Message   string     `json:"reject_message"`
}

func (r *Reject) Error() string {
	if r.ErrorCode != "" {
		return fmt.Sprintf("%s (%s): %s", r.Code, r.ErrorCode, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// IsUnexisting reports whether the reject means the target canister is
// unknown. Without a detailed error code, DestinationInvalid is taken to mean
// the same.
func (r *Reject) IsUnexisting() bool {
	switch r.ErrorCode {
	case ErrorCanisterNotFound, ErrorCanisterNotFoundNumeric:
		return true
	case "":
		return r.Code == RejectDestinationInvalid
	}
	return false
}
