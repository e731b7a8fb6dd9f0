package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Emulator   EmulatorConfig   `mapstructure:"emulator"`
	State      StateConfig      `mapstructure:"state"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Management ManagementConfig `mapstructure:"management"`
	Deploy     DeployConfig     `mapstructure:"deploy"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EmulatorConfig holds PocketIC process and instance configuration.
type EmulatorConfig struct {
	Binary            string        `mapstructure:"binary"`
	Port              int           `mapstructure:"port"`
	GatewayPort       int           `mapstructure:"gateway_port"`
	TTL               time.Duration `mapstructure:"ttl"`
	StartupTimeout    time.Duration `mapstructure:"startup_timeout"`
	StateDir          string        `mapstructure:"state_dir"` // Empty means <state.root>/pocket-ic
	GatewayDomains    []string      `mapstructure:"gateway_domains"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"` // Per ingress message before polling
}

// StateConfig holds the persisted state location.
type StateConfig struct {
	Root string `mapstructure:"root"`
}

// CoresDir is where registry records live.
func (c StateConfig) CoresDir() string { return filepath.Join(c.Root, "cores") }

// IdentityPath is the controller identity key file.
func (c StateConfig) IdentityPath() string { return filepath.Join(c.Root, "identity.pem") }

// JournalPath is the SQLite install journal.
func (c StateConfig) JournalPath() string { return filepath.Join(c.Root, "journal.db") }

// IdentityConfig holds identity key protection.
type IdentityConfig struct {
	// EncryptionKey encrypts the identity file at rest when set.
	// Set via PICCORE_IDENTITY_ENCRYPTION_KEY.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// ManagementConfig holds management interface client settings.
type ManagementConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	InitialCycles string        `mapstructure:"initial_cycles"`
}

// DeployConfig holds deployment policy.
type DeployConfig struct {
	AllowForcedReinstall bool  `mapstructure:"allow_forced_reinstall"`
	MaxUploadBytes       int64 `mapstructure:"max_upload_bytes"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8091)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "10m") // Installs block the request
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("emulator.binary", "pocket-ic")
	v.SetDefault("emulator.port", 4943)
	v.SetDefault("emulator.gateway_port", 4944)
	v.SetDefault("emulator.ttl", "120s")
	v.SetDefault("emulator.startup_timeout", "30s")
	v.SetDefault("emulator.state_dir", "")
	v.SetDefault("emulator.gateway_domains", []string{})
	v.SetDefault("emulator.keepalive_interval", "60s")
	v.SetDefault("emulator.processing_timeout", "30s")

	v.SetDefault("state.root", "./data")
	v.SetDefault("identity.encryption_key", "")

	v.SetDefault("management.timeout", "5m")
	v.SetDefault("management.initial_cycles", "1000000000000000000000")

	v.SetDefault("deploy.allow_forced_reinstall", false)
	v.SetDefault("deploy.max_upload_bytes", 100<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		err := v.ReadInConfig()
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			// Missing file: defaults and environment only.
		default:
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("PICCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Emulator.StateDir == "" {
		cfg.Emulator.StateDir = filepath.Join(cfg.State.Root, "pocket-ic")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the host cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Emulator.Port <= 0 || c.Emulator.Port > 65535:
		return fmt.Errorf("emulator.port %d out of range", c.Emulator.Port)
	case c.Emulator.GatewayPort <= 0 || c.Emulator.GatewayPort > 65535:
		return fmt.Errorf("emulator.gateway_port %d out of range", c.Emulator.GatewayPort)
	case c.Emulator.Port == c.Emulator.GatewayPort:
		return fmt.Errorf("emulator.port and emulator.gateway_port must differ")
	case c.Emulator.Binary == "":
		return fmt.Errorf("emulator.binary is required")
	case c.State.Root == "":
		return fmt.Errorf("state.root is required")
	case c.Deploy.MaxUploadBytes <= 0:
		return fmt.Errorf("deploy.max_upload_bytes must be positive")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// Unknown levels fall back to info.
func SetupLogger(cfg *Config) *slog.Logger {
	name := strings.ToLower(cfg.Log.Level)
	if name == "warning" {
		name = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
