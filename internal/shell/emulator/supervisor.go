// Package emulator supervises the local PocketIC emulator process and talks
// to its admin REST API.
package emulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akup/multicanister/internal/core/domain"
)

// ReadyMarker is the stdout text that signals the emulator is serving.
const ReadyMarker = "The PocketIC server is listening on port"

// Supervisor defaults.
const (
	DefaultBinary         = "pocket-ic"
	DefaultPort           = 4943
	DefaultTTL            = 120 * time.Second
	DefaultStartupTimeout = 30 * time.Second
	stopTimeout           = 5 * time.Second
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopped  State = "stopped"
)

// Config holds supervisor configuration.
type Config struct {
	Binary         string
	Port           int
	TTL            time.Duration
	StartupTimeout time.Duration
	Env            []string // Extra environment, appended to the host's
}

// Supervisor owns the emulator child process. Readiness is a one-time
// transition gated on ReadyMarker appearing on the first stdout line.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	state      State
	exited     chan struct{}
	exitErr    error
	stopping   bool
	unexpected bool

	ready atomic.Bool
}

// NewSupervisor creates a supervisor. Nothing is spawned until Start.
func NewSupervisor(cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "emulator"),
		state:  StateStopped,
	}
}

// Args returns the command line arguments passed to the emulator binary.
func (s *Supervisor) Args() []string {
	ttl := int(s.cfg.TTL / time.Second)
	return []string{"-p", strconv.Itoa(s.cfg.Port), "--ttl", strconv.Itoa(ttl)}
}

// Port returns the emulator's listening port.
func (s *Supervisor) Port() int {
	return s.cfg.Port
}

// Start spawns the emulator and blocks until it reports readiness, the
// startup window elapses, or ctx is done. On any failure the child is
// killed and the error wraps domain.ErrTransport.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return NewEmulatorError("start", "child already running", ErrAlreadyStarted)
	}

	cmd := exec.Command(s.cfg.Binary, s.Args()...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return NewEmulatorError("start", "failed to open stdout", fmt.Errorf("%w: %v", domain.ErrTransport, err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return NewEmulatorError("start", "failed to open stderr", fmt.Errorf("%w: %v", domain.ErrTransport, err))
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return NewEmulatorError("start", "failed to spawn "+s.cfg.Binary, fmt.Errorf("%w: %v", domain.ErrTransport, err))
	}

	exited := make(chan struct{})
	s.cmd = cmd
	s.exited = exited
	s.exitErr = nil
	s.stopping = false
	s.unexpected = false
	s.state = StateStarting
	s.ready.Store(false)
	s.mu.Unlock()

	s.logger.Info("emulator spawned", "binary", s.cfg.Binary, "pid", cmd.Process.Pid, "args", s.Args())

	firstLine := make(chan string, 1)
	earlyStderr := make(chan string, 1)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.relayStdout(stdout, firstLine)
	}()
	go func() {
		defer readers.Done()
		s.relayStderr(stderr, earlyStderr)
	}()
	go s.wait(cmd, &readers, exited)

	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()

	var failure string
	select {
	case line := <-firstLine:
		if strings.Contains(line, ReadyMarker) {
			s.markReady(cmd)
			return nil
		}
		failure = fmt.Sprintf("unexpected output before readiness: %q", line)
	case line := <-earlyStderr:
		// Pipes are read concurrently; a readiness line already queued wins.
		select {
		case first := <-firstLine:
			if strings.Contains(first, ReadyMarker) {
				s.markReady(cmd)
				return nil
			}
		default:
		}
		failure = fmt.Sprintf("error output before readiness: %q", line)
	case <-exited:
		failure = "process exited before readiness"
	case <-timer.C:
		failure = fmt.Sprintf("no readiness line within %s", s.cfg.StartupTimeout)
	case <-ctx.Done():
		failure = "startup cancelled: " + ctx.Err().Error()
	}

	s.logger.Error("emulator failed to start", "reason", failure)
	s.Stop()
	return NewEmulatorError("start", failure, fmt.Errorf("%w: %w", domain.ErrTransport, ErrNotReady))
}

func (s *Supervisor) markReady(cmd *exec.Cmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == cmd && s.state == StateStarting {
		s.state = StateReady
		s.ready.Store(true)
	}
	s.logger.Info("emulator ready", "port", s.cfg.Port, "pid", cmd.Process.Pid)
}

// maxLineBytes bounds one line of emulator output.
const maxLineBytes = 1 << 20

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	return scanner
}

// drain logs why scanning stopped early and discards the rest of the stream
// so the child never blocks on a full pipe.
func (s *Supervisor) drain(r io.Reader, scanner *bufio.Scanner, stream string) {
	if err := scanner.Err(); err != nil {
		s.logger.Warn("emulator output no longer relayed", "stream", stream, "error", err)
		io.Copy(io.Discard, r)
	}
}

// relayStdout hands the first line to the readiness wait and logs the rest.
func (s *Supervisor) relayStdout(r io.Reader, firstLine chan<- string) {
	scanner := newLineScanner(r)
	defer s.drain(r, scanner, "stdout")
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			firstLine <- line
			continue
		}
		s.logger.Info(line, "stream", "stdout")
	}
}

// relayStderr reports the first pre-readiness line and logs everything.
func (s *Supervisor) relayStderr(r io.Reader, early chan<- string) {
	scanner := newLineScanner(r)
	defer s.drain(r, scanner, "stderr")
	for scanner.Scan() {
		line := scanner.Text()
		if !s.ready.Load() {
			select {
			case early <- line:
			default:
			}
		}
		s.logger.Warn(line, "stream", "stderr")
	}
}

// wait reaps the child once both pipes are drained.
func (s *Supervisor) wait(cmd *exec.Cmd, readers *sync.WaitGroup, exited chan struct{}) {
	readers.Wait()
	err := cmd.Wait()

	s.mu.Lock()
	wasReady := s.state == StateReady
	stopping := s.stopping
	if s.cmd == cmd {
		s.cmd = nil
		s.exitErr = err
		s.state = StateStopped
		s.unexpected = wasReady && !stopping
		s.ready.Store(false)
	}
	s.mu.Unlock()

	if wasReady && !stopping {
		s.logger.Error("emulator exited unexpectedly", "pid", cmd.Process.Pid, "error", err)
	} else {
		s.logger.Info("emulator exited", "pid", cmd.Process.Pid)
	}
	close(exited)
}

// Stop kills the child and clears the handle. Safe to call repeatedly.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	if cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if err := cmd.Process.Kill(); err != nil {
		s.logger.Debug("kill emulator", "error", err)
	}

	select {
	case <-exited:
	case <-time.After(stopTimeout):
		s.logger.Warn("emulator did not exit after kill", "pid", cmd.Process.Pid)
	}

	s.mu.Lock()
	if s.cmd == cmd {
		s.cmd = nil
		s.state = StateStopped
		s.ready.Store(false)
	}
	s.mu.Unlock()
	return nil
}

// Exited returns a channel closed when the current child exits. It is nil
// before the first Start.
func (s *Supervisor) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// UnexpectedExit reports whether a ready child exited without Stop being
// called.
func (s *Supervisor) UnexpectedExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unexpected
}

// ExitErr returns the child's exit error, if it has exited.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// PID returns the child's process id, or 0 when none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
