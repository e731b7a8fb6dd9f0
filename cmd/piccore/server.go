package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/akup/multicanister/internal/shell/api"
	"github.com/akup/multicanister/internal/shell/emulator"
	"github.com/akup/multicanister/internal/shell/identity"
	"github.com/akup/multicanister/internal/shell/journal"
	"github.com/akup/multicanister/internal/shell/management"
	"github.com/akup/multicanister/internal/shell/orchestrator"
	"github.com/akup/multicanister/internal/shell/registry"
	"github.com/akup/multicanister/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitStateError      = 2
	ExitEmulatorError   = 3
	ExitHTTPServerError = 4
	ExitManagementError = 5
)

// =============================================================================
// Server
// =============================================================================

// Server owns every long-lived component of the host process.
type Server struct {
	config   *Config
	logger   *slog.Logger
	identity *identity.Identity
	registry *registry.FileRegistry
	journal  *journal.SQLiteJournal

	supervisor *emulator.Supervisor
	admin      *emulator.AdminClient

	// Set by Start once the emulator is ready.
	instance     *emulator.Instance
	orchestrator *orchestrator.Orchestrator
	keepAlive    *workers.KeepAlive
	httpServer   *http.Server

	shutdownOnce sync.Once
}

// NewServer opens persisted state and prepares the emulator supervisor.
// Nothing is started.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.State.Root, 0o755); err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitStateError}
	}

	idStore := identity.NewStore(cfg.State.IdentityPath(), cfg.Identity.EncryptionKey, logger)
	id, err := idStore.LoadOrCreate()
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitStateError}
	}
	logger.Info("controller identity loaded", "principal", id.PrincipalText(), "path", idStore.Path())

	reg, err := registry.NewFileRegistry(cfg.State.CoresDir(), logger)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitStateError}
	}
	logger.Info("registry opened", "dir", reg.Dir())

	j, err := journal.Open(cfg.State.JournalPath())
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitStateError}
	}

	sup := emulator.NewSupervisor(emulator.Config{
		Binary:         cfg.Emulator.Binary,
		Port:           cfg.Emulator.Port,
		TTL:            cfg.Emulator.TTL,
		StartupTimeout: cfg.Emulator.StartupTimeout,
	}, logger)

	admin := emulator.NewAdminClient(emulator.AdminConfig{
		BaseURL:           fmt.Sprintf("http://127.0.0.1:%d", sup.Port()),
		ProcessingTimeout: cfg.Emulator.ProcessingTimeout,
	}, logger)

	return &Server{
		config:     cfg,
		logger:     logger,
		identity:   id,
		registry:   reg,
		journal:    j,
		supervisor: sup,
		admin:      admin,
	}, nil
}

// Start brings the emulator up, reconciles the registry, serves HTTP and
// blocks until shutdown. An unexpected emulator exit shuts the host down.
// SIGINT and SIGTERM cancel startup as well as the serving phase.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.startEmulator(ctx); err != nil {
		s.Shutdown(context.Background())
		return s.startupFailure(ctx, err)
	}

	if err := s.startOrchestrator(ctx); err != nil {
		s.Shutdown(context.Background())
		return s.startupFailure(ctx, err)
	}

	s.keepAlive = workers.NewKeepAlive(s.instance, workers.KeepAliveConfig{
		Interval: s.config.Emulator.KeepAliveInterval,
	}, s.logger)
	s.keepAlive.Start()

	handler := api.NewHandler(s.orchestrator, s.registry, s.journal, api.Config{
		MaxUploadBytes: s.config.Deploy.MaxUploadBytes,
		Version:        Version,
	}, s.logger)
	handler.AddReadyCheck("emulator", func(ctx context.Context) error {
		if state := s.supervisor.State(); state != emulator.StateReady {
			return fmt.Errorf("emulator is %s", state)
		}
		return nil
	})
	handler.AddReadyCheck("gateway", s.instance.Ping)

	s.httpServer = &http.Server{
		Addr:         s.config.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic in HTTP server: %v", r)
			}
		}()
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var result error
	select {
	case err := <-errCh:
		result = &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-s.supervisor.Exited():
		if s.supervisor.UnexpectedExit() {
			err := s.supervisor.ExitErr()
			if err == nil {
				err = errors.New("emulator exited")
			}
			s.logger.Error("emulator exited unexpectedly, shutting down", "error", err)
			result = &ServerError{Op: "Emulator", Err: err, ExitCode: ExitEmulatorError}
		}
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	}

	s.Shutdown(context.Background())
	return result
}

// startupFailure reports err unless startup was interrupted, which is a
// clean exit.
func (s *Server) startupFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		s.logger.Info("startup interrupted", "error", err)
		return nil
	}
	return err
}

func (s *Server) startEmulator(ctx context.Context) error {
	if err := s.supervisor.Start(ctx); err != nil {
		return &ServerError{Op: "StartEmulator", Err: err, ExitCode: ExitEmulatorError}
	}

	instance, err := s.admin.Bootstrap(ctx, emulator.BootstrapConfig{
		StateDir:       s.config.Emulator.StateDir,
		GatewayPort:    s.config.Emulator.GatewayPort,
		GatewayDomains: s.config.Emulator.GatewayDomains,
	})
	if err != nil {
		return &ServerError{Op: "BootstrapEmulator", Err: err, ExitCode: ExitEmulatorError}
	}
	s.instance = instance
	s.logger.Info("emulator instance ready", "instance_id", instance.ID, "gateway", instance.GatewayURL())
	return nil
}

func (s *Server) startOrchestrator(ctx context.Context) error {
	client, err := management.NewClient(management.Config{
		Timeout:       s.config.Management.Timeout,
		InitialCycles: s.config.Management.InitialCycles,
	}, s.instance, s.identity, s.logger)
	if err != nil {
		return &ServerError{Op: "NewManagementClient", Err: err, ExitCode: ExitManagementError}
	}

	s.orchestrator = orchestrator.New(s.registry, client, s.journal, orchestrator.Config{
		AllowForcedReinstall: s.config.Deploy.AllowForcedReinstall,
	}, s.logger)

	report, err := s.orchestrator.ReconcileOnStartup(ctx)
	if err != nil {
		return &ServerError{Op: "ReconcileOnStartup", Err: err, ExitCode: ExitManagementError}
	}
	if len(report.Failed) > 0 {
		s.logger.Warn("some canisters could not be reconciled", "failed", len(report.Failed))
	}
	return nil
}

// Shutdown stops every started component. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("HTTP server shutdown error", "error", err)
			}
		}

		if s.keepAlive != nil {
			s.keepAlive.Stop()
		}

		if err := s.supervisor.Stop(); err != nil {
			s.logger.Error("emulator stop error", "error", err)
		}

		if err := s.journal.Close(); err != nil {
			s.logger.Error("journal close error", "error", err)
		}

		s.logger.Info("shutdown complete")
	})
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
