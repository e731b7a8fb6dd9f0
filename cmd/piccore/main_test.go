package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitConfigError},
		{"server error", &ServerError{Op: "Start", Err: errors.New("exit"), ExitCode: ExitEmulatorError}, ExitEmulatorError},
		{"wrapped server error", fmt.Errorf("outer: %w", &ServerError{Op: "NewServer", Err: errors.New("disk"), ExitCode: ExitStateError}), ExitStateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(logger, tt.err))
		})
	}
}

func TestRun_Version(t *testing.T) {
	assert.Equal(t, ExitSuccess, run([]string{"-version"}))
}

func TestRun_UnknownFlag(t *testing.T) {
	assert.Equal(t, ExitConfigError, run([]string{"-no-such-flag"}))
}
