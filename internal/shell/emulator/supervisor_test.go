package emulator

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akup/multicanister/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

// fakeEmulator writes an executable shell script standing in for the
// emulator binary.
func fakeEmulator(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake emulator scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "pocket-ic")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, binary string, timeout time.Duration) *Supervisor {
	t.Helper()
	sup := NewSupervisor(Config{
		Binary:         binary,
		Port:           18943,
		TTL:            120 * time.Second,
		StartupTimeout: timeout,
	}, nil)
	t.Cleanup(func() { sup.Stop() })
	return sup
}

const readyScript = `echo "The PocketIC server is listening on port $2"
exec sleep 30`

// =============================================================================
// Tests
// =============================================================================

func TestNewSupervisor_Defaults(t *testing.T) {
	sup := NewSupervisor(Config{}, nil)

	assert.Equal(t, DefaultBinary, sup.cfg.Binary)
	assert.Equal(t, DefaultPort, sup.Port())
	assert.Equal(t, DefaultStartupTimeout, sup.cfg.StartupTimeout)
	assert.Equal(t, []string{"-p", "4943", "--ttl", "120"}, sup.Args())
	assert.Equal(t, StateStopped, sup.State())
	assert.Equal(t, 0, sup.PID())
	assert.Nil(t, sup.Exited())
}

func TestStart_Ready(t *testing.T) {
	sup := newTestSupervisor(t, fakeEmulator(t, readyScript), 5*time.Second)

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, StateReady, sup.State())
	assert.NotZero(t, sup.PID())

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, sup.Stop())
	assert.Equal(t, StateStopped, sup.State())
	assert.Equal(t, 0, sup.PID())
	assert.False(t, sup.UnexpectedExit())

	// Stop is idempotent.
	assert.NoError(t, sup.Stop())
}

func TestStart_PassesPortAndTTL(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	script := `echo "$@" > ` + out + "\n" + readyScript
	sup := newTestSupervisor(t, fakeEmulator(t, script), 5*time.Second)

	require.NoError(t, sup.Start(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "-p 18943 --ttl 120", strings.TrimSpace(string(data)))
}

func TestStart_StderrBeforeReadyFails(t *testing.T) {
	sup := newTestSupervisor(t, fakeEmulator(t, `echo "boom" >&2
exec sleep 30`), 5*time.Second)

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateStopped, sup.State())
	assert.Equal(t, 0, sup.PID())
}

func TestStart_UnexpectedStdoutFails(t *testing.T) {
	sup := newTestSupervisor(t, fakeEmulator(t, `echo "hello there"
exec sleep 30`), 5*time.Second)

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Contains(t, err.Error(), "hello there")
}

func TestStart_Timeout(t *testing.T) {
	sup := newTestSupervisor(t, fakeEmulator(t, `exec sleep 30`), 200*time.Millisecond)

	start := time.Now()
	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateStopped, sup.State())
}

func TestStart_ExitBeforeReady(t *testing.T) {
	sup := newTestSupervisor(t, fakeEmulator(t, `exit 3`), 5*time.Second)

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.False(t, sup.UnexpectedExit())
}

func TestStart_MissingBinary(t *testing.T) {
	sup := newTestSupervisor(t, filepath.Join(t.TempDir(), "does-not-exist"), time.Second)

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, StateStopped, sup.State())
}

func TestStart_ContextCancelled(t *testing.T) {
	sup := newTestSupervisor(t, fakeEmulator(t, `exec sleep 30`), 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := sup.Start(ctx)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestExited_UnexpectedAfterReady(t *testing.T) {
	sup := newTestSupervisor(t, fakeEmulator(t, `echo "The PocketIC server is listening on port $2"
sleep 1
exit 0`), 5*time.Second)

	require.NoError(t, sup.Start(context.Background()))

	select {
	case <-sup.Exited():
	case <-time.After(10 * time.Second):
		t.Fatal("emulator did not exit")
	}

	assert.True(t, sup.UnexpectedExit())
	assert.Equal(t, StateStopped, sup.State())
	assert.Equal(t, 0, sup.PID())
}

func TestExited_StopIsExpected(t *testing.T) {
	sup := newTestSupervisor(t, fakeEmulator(t, readyScript), 5*time.Second)
	require.NoError(t, sup.Start(context.Background()))

	exited := sup.Exited()
	require.NoError(t, sup.Stop())

	select {
	case <-exited:
	default:
		t.Fatal("exited channel should be closed after Stop")
	}
	assert.False(t, sup.UnexpectedExit())
}

func TestStart_RelaysOutputAfterReady(t *testing.T) {
	sup := newTestSupervisor(t, fakeEmulator(t, `echo "The PocketIC server is listening on port $2"
echo "later stdout"
sleep 1
echo "later stderr" >&2
exec sleep 30`), 5*time.Second)

	// Post-readiness stderr is relayed, not treated as a failure.
	require.NoError(t, sup.Start(context.Background()))
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, StateReady, sup.State())
}

// syncBuffer collects log output written from relay goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRelay_LongLines(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// 200 KB fits the line buffer, 2 MB does not. Output after the oversized
	// line is discarded but must not block the child.
	script := `echo "The PocketIC server is listening on port $2"
head -c 200000 /dev/zero | tr '\0' 'a'; echo
echo "after long line"
head -c 2000000 /dev/zero | tr '\0' 'b'; echo
echo "never relayed"
exit 0`
	sup := NewSupervisor(Config{
		Binary:         fakeEmulator(t, script),
		Port:           18943,
		StartupTimeout: 5 * time.Second,
	}, logger)
	t.Cleanup(func() { sup.Stop() })

	require.NoError(t, sup.Start(context.Background()))

	select {
	case <-sup.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("child blocked on its output")
	}

	out := logs.String()
	assert.Contains(t, out, "after long line")
	assert.Contains(t, out, strings.Repeat("a", 1000))
	assert.Contains(t, out, "emulator output no longer relayed")
	assert.Contains(t, out, bufio.ErrTooLong.Error())
	assert.NotContains(t, out, "never relayed")
}
