package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akup/multicanister/internal/core/domain"
	"github.com/akup/multicanister/internal/core/mgmt"
	"github.com/akup/multicanister/internal/core/wasm"
	"github.com/akup/multicanister/internal/shell/journal"
	"github.com/akup/multicanister/internal/shell/management"
	"github.com/akup/multicanister/internal/shell/orchestrator"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubDeployer records calls and returns canned results.
type stubDeployer struct {
	ensureNames [][]string
	ensureIDs   map[string]string
	ensureErr   error

	deploys   []orchestrator.DeployRequest
	deployRes *orchestrator.DeployResult
	deployErr error
}

func (s *stubDeployer) EnsureUnits(ctx context.Context, names []string) (map[string]string, error) {
	s.ensureNames = append(s.ensureNames, names)
	if s.ensureErr != nil {
		return nil, s.ensureErr
	}
	return s.ensureIDs, nil
}

func (s *stubDeployer) Deploy(ctx context.Context, req orchestrator.DeployRequest) (*orchestrator.DeployResult, error) {
	s.deploys = append(s.deploys, req)
	if s.deployErr != nil {
		return nil, s.deployErr
	}
	return s.deployRes, nil
}

type stubRecords struct {
	records map[string]domain.CanisterRecord
	err     error
}

func (s *stubRecords) List(ctx context.Context) (map[string]domain.CanisterRecord, error) {
	return s.records, s.err
}

type stubHistory struct {
	entries   []journal.Entry
	err       error
	lastName  string
	lastLimit int
}

func (s *stubHistory) List(ctx context.Context, name string, limit int) ([]journal.Entry, error) {
	s.lastName = name
	s.lastLimit = limit
	return s.entries, s.err
}

type testEnv struct {
	deployer *stubDeployer
	records  *stubRecords
	history  *stubHistory
	handler  *Handler
	router   http.Handler
}

func setupTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		deployer: &stubDeployer{},
		records:  &stubRecords{},
		history:  &stubHistory{},
	}
	env.handler = NewHandler(env.deployer, env.records, env.history, cfg, nil)
	env.router = env.handler.Routes()
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func jsonRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func uploadRequest(t *testing.T, fields map[string]string, file []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "core.wasm")
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// =============================================================================
// Health
// =============================================================================

func TestHealth(t *testing.T) {
	env := setupTestEnv(t, Config{})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, rr).Status)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReady(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.handler.AddReadyCheck("emulator", func(ctx context.Context) error { return nil })

	rr := env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decode[ReadyResponse](t, rr)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, map[string]string{"emulator": "ok"}, resp.Checks)
}

func TestReady_FailedCheck(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.handler.AddReadyCheck("emulator", func(ctx context.Context) error { return nil })
	env.handler.AddReadyCheck("gateway", func(ctx context.Context) error { return errors.New("refused") })

	rr := env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp := decode[ReadyResponse](t, rr)
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["emulator"])
	assert.Equal(t, "failed", resp.Checks["gateway"])
}

// =============================================================================
// get-canister-ids
// =============================================================================

func TestGetCanisterIDs(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.deployer.ensureIDs = map[string]string{"backend": "rrkah-fqaaa-aaaaa-aaaaq-cai"}

	rr := env.do(jsonRequest(t, http.MethodPost, "/api/get-canister-ids", GetCanisterIDsRequest{Names: []string{"backend"}}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, map[string]string{"backend": "rrkah-fqaaa-aaaaa-aaaaq-cai"}, decode[map[string]string](t, rr))
	assert.Equal(t, [][]string{{"backend"}}, env.deployer.ensureNames)
}

func TestGetCanisterIDs_BadRequests(t *testing.T) {
	env := setupTestEnv(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/get-canister-ids", strings.NewReader("{"))
	rr := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid JSON", decode[ErrorResponse](t, rr).Message)

	rr = env.do(jsonRequest(t, http.MethodPost, "/api/get-canister-ids", GetCanisterIDsRequest{}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Empty(t, env.deployer.ensureNames)
}

func TestGetCanisterIDs_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"invalid name", domain.ErrInvalidName, http.StatusBadRequest, "invalid canister name"},
		{
			"remote rejection",
			management.NewError(mgmt.MethodCreateCanister, "", "rejected", fmt.Errorf("%w: %w", management.ErrRejected,
				&mgmt.Reject{Code: mgmt.RejectCanisterReject, Message: "not enough cycles"})),
			http.StatusInternalServerError,
			"not enough cycles",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, Config{})
			env.deployer.ensureErr = tt.err

			rr := env.do(jsonRequest(t, http.MethodPost, "/api/get-canister-ids", GetCanisterIDsRequest{Names: []string{"a"}}))
			assert.Equal(t, tt.wantStatus, rr.Code)
			resp := decode[ErrorResponse](t, rr)
			assert.Equal(t, tt.wantMsg, resp.Message)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

// =============================================================================
// upload
// =============================================================================

func TestUpload(t *testing.T) {
	env := setupTestEnv(t, Config{})
	module := []byte("\x00asm\x01\x00\x00\x00")
	hash := wasm.Hash(module)
	record := domain.NewInstalledRecord("rrkah-fqaaa-aaaaa-aaaaq-cai", hash, domain.Provenance{Branch: "dev", Tag: "v1", Commit: "abc"})
	env.deployer.deployRes = &orchestrator.DeployResult{Name: "backend", Record: record, Mode: domain.ModeReinstall, Chunks: 1}

	rr := env.do(uploadRequest(t, map[string]string{
		"name":       "backend",
		"sha256":     hash,
		"branch":     "dev",
		"tag":        "v1",
		"commit":     "abc",
		"initArgB64": base64.StdEncoding.EncodeToString([]byte("DIDL\x00\x00")),
	}, module))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[UploadResponse](t, rr)
	assert.Equal(t, record, resp.Data)
	assert.Contains(t, resp.Message, "reinstall")

	require.Len(t, env.deployer.deploys, 1)
	got := env.deployer.deploys[0]
	assert.Equal(t, "backend", got.Name)
	assert.Equal(t, module, got.Module)
	assert.Equal(t, hash, got.DeclaredHash)
	assert.Equal(t, []byte("DIDL\x00\x00"), got.InitArg)
	assert.Equal(t, domain.Provenance{Branch: "dev", Tag: "v1", Commit: "abc"}, got.Provenance)
	assert.False(t, got.ForceReinstall)
}

func TestUpload_DefaultProvenance(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.deployer.deployRes = &orchestrator.DeployResult{Skipped: true}

	rr := env.do(uploadRequest(t, map[string]string{"name": "backend", "sha256": "00"}, []byte("m")))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Len(t, env.deployer.deploys, 1)
	assert.Equal(t, domain.Provenance{Branch: "main", Tag: "latest", Commit: "latest"}, env.deployer.deploys[0].Provenance)
	assert.Nil(t, env.deployer.deploys[0].InitArg)
}

func TestUpload_UpdateStrategy(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.deployer.deployRes = &orchestrator.DeployResult{}

	rr := env.do(uploadRequest(t, map[string]string{"name": "a", "sha256": "00", "updateStrategy": "reinstall"}, []byte("m")))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, env.deployer.deploys[0].ForceReinstall)

	rr = env.do(uploadRequest(t, map[string]string{"name": "a", "sha256": "00", "updateStrategy": "upgrade"}, []byte("m")))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, env.deployer.deploys[1].ForceReinstall)

	rr = env.do(uploadRequest(t, map[string]string{"name": "a", "sha256": "00", "updateStrategy": "yolo"}, []byte("m")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Len(t, env.deployer.deploys, 2)
}

func TestUpload_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		file    []byte
		wantMsg string
	}{
		{"no name", map[string]string{"sha256": "00"}, []byte("m"), "name is required"},
		{"no hash", map[string]string{"name": "a"}, []byte("m"), "sha256 is required"},
		{"no file", map[string]string{"name": "a", "sha256": "00"}, nil, "file is required"},
		{"bad init arg", map[string]string{"name": "a", "sha256": "00", "initArgB64": "%%%"}, []byte("m"), "initArgB64 is not valid base64"},
		{"unknown strategy", map[string]string{"name": "a", "sha256": "00", "updateStrategy": "replace"}, []byte("m"), `unknown updateStrategy "replace"`},
		{"blank name", map[string]string{"name": "  ", "sha256": "00"}, []byte("m"), "name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, Config{})

			rr := env.do(uploadRequest(t, tt.fields, tt.file))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.wantMsg, decode[ErrorResponse](t, rr).Message)
			assert.Empty(t, env.deployer.deploys)
		})
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	env := setupTestEnv(t, Config{})

	rr := env.do(jsonRequest(t, http.MethodPost, "/api/upload", map[string]string{"name": "a"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, env.deployer.deploys)
}

func TestUpload_TooLarge(t *testing.T) {
	env := setupTestEnv(t, Config{MaxUploadBytes: 1024})

	rr := env.do(uploadRequest(t, map[string]string{"name": "a", "sha256": "00"}, make([]byte, 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, env.deployer.deploys)
}

func TestUpload_DeployErrors(t *testing.T) {
	rejected := func(reject *mgmt.Reject, base error) error {
		return management.NewError(mgmt.MethodInstallChunkedCode, "unit-1", reject.Error(), fmt.Errorf("%w: %w", base, reject))
	}
	installFailed := func(err error) error {
		return &orchestrator.InstallError{Name: "backend", CanisterID: "unit-1", Mode: domain.ModeUpgrade, Stage: "install", Err: err}
	}
	invalidModule := rejected(&mgmt.Reject{
		Code: mgmt.RejectCanisterError, ErrorCode: "CanisterInvalidModule", Message: "Wasm module has an invalid import section",
	}, management.ErrRejected)
	notFound := rejected(&mgmt.Reject{
		Code: mgmt.RejectDestinationInvalid, ErrorCode: mgmt.ErrorCanisterNotFound, Message: "Canister unit-1 not found",
	}, domain.ErrUnexisting)
	hashMismatch := rejected(&mgmt.Reject{
		Code: mgmt.RejectCanisterError, ErrorCode: "CanisterInvalidModule", Message: "wasm_module_hash does not match the chunks",
	}, management.ErrRejected)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"hash mismatch", domain.ErrHashMismatch, http.StatusBadRequest, "sha256 does not match the uploaded file"},
		{"not reserved", domain.ErrNotFound, http.StatusNotFound, `no canister reserved for "backend", call get-canister-ids first`},
		{"unexisting", domain.ErrUnexisting, http.StatusConflict, `canister for "backend" no longer exists in the emulator`},
		{"remote install failure", installFailed(invalidModule), http.StatusInternalServerError, "Wasm module has an invalid import section"},
		{"install into vanished canister", installFailed(notFound), http.StatusInternalServerError, "Canister unit-1 not found"},
		{"remote hash rejection", installFailed(hashMismatch), http.StatusInternalServerError, "wasm_module_hash does not match the chunks"},
		{"install failure wrapping a local mismatch", installFailed(domain.ErrHashMismatch), http.StatusInternalServerError, installFailed(domain.ErrHashMismatch).Error()},
		{"transport", domain.ErrTransport, http.StatusInternalServerError, domain.ErrTransport.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, Config{})
			env.deployer.deployErr = tt.err

			rr := env.do(uploadRequest(t, map[string]string{"name": "backend", "sha256": "00"}, []byte("m")))
			assert.Equal(t, tt.wantStatus, rr.Code)
			resp := decode[ErrorResponse](t, rr)
			assert.Equal(t, tt.wantMsg, resp.Message)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

// =============================================================================
// list-core and history
// =============================================================================

func TestListCore(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.records.records = map[string]domain.CanisterRecord{
		"backend": domain.NewPlaceholderRecord("rrkah-fqaaa-aaaaa-aaaaq-cai"),
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/list-core", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var raw map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.Equal(t, []interface{}{"rrkah-fqaaa-aaaaa-aaaaq-cai"}, raw["backend"]["canisterIds"])
	assert.Equal(t, false, raw["backend"]["corrupted"])
}

func TestListCore_Empty(t *testing.T) {
	env := setupTestEnv(t, Config{})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/list-core", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{}`, rr.Body.String())
}

func TestListCore_Error(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.records.err = errors.New("permission denied")

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/list-core", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "failed to list canisters", decode[ErrorResponse](t, rr).Message)
}

func TestHistory(t *testing.T) {
	env := setupTestEnv(t, Config{})
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env.history.entries = []journal.Entry{{
		ID:         "e1",
		Name:       "backend",
		CanisterID: "unit-1",
		Mode:       "upgrade",
		WasmHash:   "ab",
		Outcome:    journal.OutcomeSucceeded,
		Duration:   1500 * time.Millisecond,
		CreatedAt:  created,
	}}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/history/backend?limit=5", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decode[HistoryResponse](t, rr)
	assert.Equal(t, "backend", resp.Name)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "succeeded", resp.Entries[0].Outcome)
	assert.Equal(t, int64(1500), resp.Entries[0].DurationMS)
	assert.True(t, created.Equal(resp.Entries[0].CreatedAt))
	assert.Equal(t, "backend", env.history.lastName)
	assert.Equal(t, 5, env.history.lastLimit)
}

func TestHistory_BadInput(t *testing.T) {
	env := setupTestEnv(t, Config{})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/history/backend?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/history/.hidden", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHistory_NoJournal(t *testing.T) {
	h := NewHandler(&stubDeployer{}, &stubRecords{}, nil, Config{}, nil)

	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history/backend", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"name":"backend","entries":[]}`, rr.Body.String())
}

// =============================================================================
// OpenAPI
// =============================================================================

func TestOpenAPI(t *testing.T) {
	env := setupTestEnv(t, Config{Version: "1.2.3"})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)

	var doc struct {
		OpenAPI string `json:"openapi"`
		Info    struct {
			Version string `json:"version"`
		} `json:"info"`
		Paths map[string]map[string]interface{} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Equal(t, "1.2.3", doc.Info.Version)
	assert.Contains(t, doc.Paths["/api/get-canister-ids"], "post")
	assert.Contains(t, doc.Paths["/api/upload"], "post")
	assert.Contains(t, doc.Paths["/api/list-core"], "get")
	assert.Contains(t, doc.Paths["/api/history/{name}"], "get")
}
