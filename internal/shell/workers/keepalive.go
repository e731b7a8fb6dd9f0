// Package workers contains background workers for the host process.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger is probed periodically to keep the emulator instance alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeepAliveConfig configures the keep-alive worker.
type KeepAliveConfig struct {
	// Interval is the time between probes.
	// Default: 60 seconds.
	Interval time.Duration

	// Timeout bounds a single probe.
	// Default: 10 seconds.
	Timeout time.Duration
}

// DefaultKeepAliveConfig returns the default configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		Interval: 60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// KeepAlive periodically probes the emulator so its idle TTL never expires.
// Probe failures are logged only; the host's shutdown path is driven by the
// supervisor, not by this worker.
type KeepAlive struct {
	pinger Pinger
	config KeepAliveConfig
	logger *slog.Logger

	mu          sync.Mutex
	lastSuccess time.Time
	failures    int

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKeepAlive creates a new keep-alive worker.
func NewKeepAlive(pinger Pinger, config KeepAliveConfig, logger *slog.Logger) *KeepAlive {
	defaults := DefaultKeepAliveConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeepAlive{
		pinger: pinger,
		config: config,
		logger: logger.With("component", "keepalive"),
	}
}

// Start begins the background probe loop.
func (k *KeepAlive) Start() {
	k.ctx, k.cancel = context.WithCancel(context.Background())

	k.wg.Add(1)
	go k.run()

	k.logger.Info("keep-alive started", "interval", k.config.Interval)
}

// Stop stops the loop and waits for an in-flight probe.
func (k *KeepAlive) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	k.logger.Info("keep-alive stopped")
}

func (k *KeepAlive) run() {
	defer k.wg.Done()

	k.probe()

	ticker := time.NewTicker(k.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			k.probe()
		}
	}
}

func (k *KeepAlive) probe() {
	ctx, cancel := context.WithTimeout(k.ctx, k.config.Timeout)
	defer cancel()

	err := k.pinger.Ping(ctx)

	k.mu.Lock()
	defer k.mu.Unlock()
	if err != nil {
		if k.ctx.Err() != nil {
			return
		}
		k.failures++
		k.logger.Warn("keep-alive probe failed", "error", err, "consecutive_failures", k.failures)
		return
	}
	if k.failures > 0 {
		k.logger.Info("keep-alive probe recovered", "after_failures", k.failures)
	}
	k.failures = 0
	k.lastSuccess = time.Now()
}

// Status returns the time of the last successful probe and the number of
// consecutive failures since.
func (k *KeepAlive) Status() (lastSuccess time.Time, failures int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastSuccess, k.failures
}
