// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetlink/lib/config"
	"github.com/bureau-foundation/fleetlink/lib/process"
	"github.com/bureau-foundation/fleetlink/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath     string
		listen         string
		operatorSocket string
		logLevel       string
		showVersion    bool
	)
	flagSet := pflag.NewFlagSet("fleetlink-controller", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to fleetlink.yaml (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address, overriding the config file")
	flagSet.StringVar(&operatorSocket, "operator-socket", "", "operator socket path, overriding the config file")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error, overriding the config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("fleetlink-controller")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if operatorSocket != "" {
		cfg.OperatorSocket = operatorSocket
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := process.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := process.NewLogger(level).With("service", "fleetlink-controller")
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller, err := newController(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting", "version", version.Info(), "environment", cfg.Environment)
	return controller.run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvironmentVariable)
	}
	if path != "" {
		return config.LoadFile(path)
	}
	cfg := config.Default()
	if err := cfg.Finish(); err != nil {
		return nil, fmt.Errorf("built-in configuration: %w", err)
	}
	return cfg, nil
}
