// Package api provides the HTTP gateway in front of the deployment
// orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/akup/multicanister/internal/core/domain"
	"github.com/akup/multicanister/internal/core/wasm"
	"github.com/akup/multicanister/internal/shell/api/openapi"
	"github.com/akup/multicanister/internal/shell/journal"
	"github.com/akup/multicanister/internal/shell/management"
	"github.com/akup/multicanister/internal/shell/orchestrator"
)

// DefaultMaxUploadBytes caps the multipart body of /api/upload.
const DefaultMaxUploadBytes int64 = 100 << 20

// multipartMemory is how much of a form is buffered in memory before
// spilling file parts to disk.
const multipartMemory = 32 << 20

// =============================================================================
// Dependencies
// =============================================================================

// Deployer runs the two deployment phases.
type Deployer interface {
	EnsureUnits(ctx context.Context, names []string) (map[string]string, error)
	Deploy(ctx context.Context, req orchestrator.DeployRequest) (*orchestrator.DeployResult, error)
}

// Records lists the registry.
type Records interface {
	List(ctx context.Context) (map[string]domain.CanisterRecord, error)
}

// History reads the install journal.
type History interface {
	List(ctx context.Context, name string, limit int) ([]journal.Entry, error)
}

// ReadyCheck reports whether one dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Config holds gateway limits.
type Config struct {
	MaxUploadBytes int64
	ReadyTimeout   time.Duration
	Version        string // reported in /openapi.json
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the gateway.
type Handler struct {
	deployer Deployer
	records  Records
	history  History
	config   Config
	logger   *slog.Logger
	spec     *openapi.Generator

	mu     sync.RWMutex
	checks map[string]ReadyCheck
}

// NewHandler creates a new gateway handler. history may be nil.
func NewHandler(d Deployer, records Records, history History, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 5 * time.Second
	}
	info := openapi.DefaultInfo()
	if config.Version != "" {
		info.Version = config.Version
	}
	h := &Handler{
		deployer: d,
		records:  records,
		history:  history,
		config:   config,
		logger:   logger.With("component", "api"),
		spec:     openapi.NewGenerator(info),
		checks:   make(map[string]ReadyCheck),
	}
	h.registerOperations()
	return h
}

// AddReadyCheck registers a dependency probed by /ready.
func (h *Handler) AddReadyCheck(name string, check ReadyCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/openapi.json", h.spec.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/get-canister-ids", h.handleGetCanisterIDs)
		r.Post("/upload", h.handleUpload)
		r.Get("/list-core", h.handleListCore)
		r.Get("/history/{name}", h.handleHistory)
	})

	return r
}

func (h *Handler) registerOperations() {
	errs := map[int]interface{}{
		http.StatusBadRequest:          ErrorResponse{},
		http.StatusInternalServerError: ErrorResponse{},
	}
	with := func(ok interface{}, extra ...int) map[int]interface{} {
		out := map[int]interface{}{http.StatusOK: ok}
		for k, v := range errs {
			out[k] = v
		}
		for _, status := range extra {
			out[status] = ErrorResponse{}
		}
		return out
	}

	h.spec.Register(openapi.Operation{
		ID: "getCanisterIds", Method: http.MethodPost, Path: "/api/get-canister-ids",
		Summary: "Reserve a canister for each logical name", Tag: "Canisters",
		Request:   GetCanisterIDsRequest{},
		Responses: with(map[string]string{}),
	})
	h.spec.Register(openapi.Operation{
		ID: "upload", Method: http.MethodPost, Path: "/api/upload",
		Summary: "Install a verified module into a reserved canister", Tag: "Canisters",
		Request: UploadForm{}, FormRequest: true,
		Responses: with(UploadResponse{}, http.StatusNotFound, http.StatusConflict, http.StatusRequestEntityTooLarge),
	})
	h.spec.Register(openapi.Operation{
		ID: "listCore", Method: http.MethodGet, Path: "/api/list-core",
		Summary: "List registered canisters", Tag: "Canisters",
		Responses: map[int]interface{}{
			http.StatusOK:                  map[string]domain.CanisterRecord{},
			http.StatusInternalServerError: ErrorResponse{},
		},
	})
	h.spec.Register(openapi.Operation{
		ID: "history", Method: http.MethodGet, Path: "/api/history/{name}",
		Summary: "Install attempts for a name, newest first", Tag: "Canisters",
		PathParams: []string{"name"}, QueryParams: []string{"limit"},
		Responses:  with(HistoryResponse{}),
	})
	h.spec.Register(openapi.Operation{
		ID: "health", Method: http.MethodGet, Path: "/health", Tag: "Health",
		Responses: map[int]interface{}{http.StatusOK: HealthResponse{}},
	})
	h.spec.Register(openapi.Operation{
		ID: "ready", Method: http.MethodGet, Path: "/ready", Tag: "Health",
		Responses: map[int]interface{}{
			http.StatusOK:                 ReadyResponse{},
			http.StatusServiceUnavailable: ReadyResponse{},
		},
	})
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), h.config.ReadyTimeout)
	defer cancel()

	checks := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()

		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = "failed"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Canister Handlers
// =============================================================================

func (h *Handler) handleGetCanisterIDs(w http.ResponseWriter, r *http.Request) {
	var req GetCanisterIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return
	}
	if len(req.Names) == 0 {
		h.writeError(w, http.StatusBadRequest, "names must not be empty", nil)
		return
	}

	ids, err := h.deployer.EnsureUnits(r.Context(), req.Names)
	if err != nil {
		h.logger.Error("failed to ensure canisters", "names", req.Names, "error", err)
		if errors.Is(err, domain.ErrInvalidName) {
			h.writeError(w, http.StatusBadRequest, "invalid canister name", err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, remoteMessage(err, "failed to create canisters"), err)
		return
	}

	h.writeJSON(w, http.StatusOK, ids)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.config.MaxUploadBytes {
		h.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", h.config.MaxUploadBytes), nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", h.config.MaxUploadBytes), err)
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid multipart form", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	req, status, msg, err := h.parseUpload(r)
	if status != 0 {
		h.writeError(w, status, msg, err)
		return
	}

	res, err := h.deployer.Deploy(r.Context(), req)
	if err != nil {
		h.writeDeployError(w, req.Name, err)
		return
	}

	message := fmt.Sprintf("installed %s into %s (%s)", req.Name, res.Record.PrimaryID(), res.Mode)
	if res.Skipped {
		message = fmt.Sprintf("%s already runs module %s", req.Name, res.Record.WasmHash)
	}
	h.writeJSON(w, http.StatusOK, UploadResponse{Message: message, Data: res.Record})
}

// parseUpload extracts a deploy request from a parsed multipart form. A
// non-zero status rejects the request, with or without a cause.
func (h *Handler) parseUpload(r *http.Request) (orchestrator.DeployRequest, int, string, error) {
	var req orchestrator.DeployRequest

	req.Name = strings.TrimSpace(r.FormValue("name"))
	if req.Name == "" {
		return req, http.StatusBadRequest, "name is required", nil
	}
	req.DeclaredHash = r.FormValue("sha256")
	if req.DeclaredHash == "" {
		return req, http.StatusBadRequest, "sha256 is required", nil
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return req, http.StatusBadRequest, "file is required", err
	}
	defer file.Close()
	req.Module, err = io.ReadAll(file)
	if err != nil {
		return req, http.StatusBadRequest, "failed to read file", err
	}

	req.InitArg, err = wasm.DecodeInitArg(r.FormValue("initArgB64"))
	if err != nil {
		return req, http.StatusBadRequest, "initArgB64 is not valid base64", err
	}

	switch strategy := r.FormValue("updateStrategy"); strategy {
	case "", string(domain.ModeUpgrade):
	case string(domain.ModeReinstall):
		req.ForceReinstall = true
	default:
		return req, http.StatusBadRequest, fmt.Sprintf("unknown updateStrategy %q", strategy), nil
	}

	req.Provenance = domain.Provenance{
		Branch: r.FormValue("branch"),
		Tag:    r.FormValue("tag"),
		Commit: r.FormValue("commit"),
	}
	if req.Provenance.Branch == "" {
		req.Provenance = domain.Provenance{Branch: "main", Tag: "latest", Commit: "latest"}
	}

	return req, 0, "", nil
}

// writeDeployError maps a deploy failure to a status. A failed upload or
// install is a 500 whatever the remote cause.
func (h *Handler) writeDeployError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, domain.ErrInstallFailure):
		h.logger.Error("install failed", "name", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, remoteMessage(err, "failed to install module"), err)
	case errors.Is(err, domain.ErrHashMismatch):
		h.writeError(w, http.StatusBadRequest, "sha256 does not match the uploaded file", err)
	case errors.Is(err, domain.ErrInvalidName):
		h.writeError(w, http.StatusBadRequest, "invalid canister name", err)
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound,
			fmt.Sprintf("no canister reserved for %q, call get-canister-ids first", name), err)
	case errors.Is(err, domain.ErrUnexisting):
		h.writeError(w, http.StatusConflict,
			fmt.Sprintf("canister for %q no longer exists in the emulator", name), err)
	default:
		h.logger.Error("deploy failed", "name", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, remoteMessage(err, "failed to install module"), err)
	}
}

func (h *Handler) handleListCore(w http.ResponseWriter, r *http.Request) {
	records, err := h.records.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list registry", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list canisters", err)
		return
	}
	if records == nil {
		records = map[string]domain.CanisterRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := domain.ValidateLogicalName(name); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid canister name", err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	resp := HistoryResponse{Name: name, Entries: []HistoryEntry{}}
	if h.history == nil {
		h.writeJSON(w, http.StatusOK, resp)
		return
	}

	entries, err := h.history.List(r.Context(), name, limit)
	if err != nil {
		h.logger.Error("failed to read journal", "name", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read install history", err)
		return
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, historyEntryFromJournal(e))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Helpers
// =============================================================================

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response. err is optional.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	h.writeJSON(w, status, resp)
}

// remoteMessage prefers the message reported by the management interface.
func remoteMessage(err error, fallback string) string {
	if msg, ok := management.RemoteMessage(err); ok {
		return msg
	}
	if err != nil {
		return err.Error()
	}
	return fallback
}
