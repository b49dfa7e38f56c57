// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// fleetlink-agent-mock is a simulated fleet agent. It connects to a
// controller, registers, and answers the standard actions without any
// hardware: speak_text is logged, capture_image and video streams send
// synthetic JPEG frames. When the connection drops it reconnects with
// backoff until interrupted.
//
// It exists to exercise a controller end to end: run one or more
// mocks against a development controller and drive them with the
// fleetlink CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/fleetlink/lib/agent"
	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/process"
	"github.com/bureau-foundation/fleetlink/lib/version"
)

// Reconnect backoff bounds.
const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		endpoint     string
		name         string
		platform     string
		capabilities []string
		logLevel     string
		showVersion  bool
	)
	hostname, _ := os.Hostname()
	flagSet := pflag.NewFlagSet("fleetlink-agent-mock", pflag.ContinueOnError)
	flagSet.StringVar(&endpoint, "controller", "ws://localhost:8765", "controller base URL")
	flagSet.StringVar(&name, "name", "mock-"+hostname, "client name to register as")
	flagSet.StringVar(&platform, "platform", "linux", "platform to declare (linux, android, rpi)")
	flagSet.StringSliceVar(&capabilities, "capabilities", []string{"camera", "speaker"}, "capabilities to declare")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("fleetlink-agent-mock")
		return nil
	}
	level, err := process.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := process.NewLogger(level).With("service", "fleetlink-agent-mock", "client_name", name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real()
	sim := newSimulator(realClock, logger)
	defer sim.stopAll()

	config := agent.Config{
		Endpoint:     endpoint,
		ClientName:   name,
		Platform:     platform,
		Capabilities: capabilities,
		Handler:      sim.handle,
		Logger:       logger,
	}
	backoff := initialBackoff
	for {
		connected, err := session(ctx, config)
		if ctx.Err() != nil {
			logger.Info("stopped")
			return nil
		}
		if errors.Is(err, agent.ErrRejected) {
			return err
		}
		sim.stopAll()
		if connected {
			backoff = initialBackoff
		}
		logger.Warn("disconnected, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-realClock.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session runs one connection. connected reports whether registration
// succeeded.
func session(ctx context.Context, config agent.Config) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := agent.Dial(dialCtx, config)
	cancel()
	if err != nil {
		return false, err
	}
	defer a.Close()
	config.Logger.Info("registered", "client_id", a.ClientID())
	if err := a.Run(ctx); err != nil {
		return true, err
	}
	return true, fmt.Errorf("controller closed the connection")
}
