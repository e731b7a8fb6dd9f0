// Command piccore supervises a local PocketIC emulator and serves the
// canister registry and deployment gateway in front of it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// Set with -ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("piccore", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML/JSON/TOML config file")
	printVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	if *printVersion {
		fmt.Printf("piccore %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "piccore: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)
	logger.Info("piccore starting",
		"version", Version,
		"config", *configPath,
		"state_root", cfg.State.Root,
		"emulator_port", cfg.Emulator.Port,
	)

	server, err := NewServer(cfg, logger)
	if err == nil {
		err = server.Start(context.Background())
	}
	return exitCode(logger, err)
}

// exitCode logs err and maps it to the process exit status.
func exitCode(logger *slog.Logger, err error) int {
	if err == nil {
		return ExitSuccess
	}
	var sErr *ServerError
	if !errors.As(err, &sErr) {
		logger.Error("piccore failed", "error", err)
		return ExitConfigError
	}
	logger.Error("piccore failed", "op", sErr.Op, "error", sErr.Err, "exit_code", sErr.ExitCode)
	return sErr.ExitCode
}
