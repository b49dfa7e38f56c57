// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// fleetlink is the operator CLI for a fleetlink controller. Every
// command except "recording inspect" talks to the controller's
// operator socket, found from the controller configuration
// ($FLEETLINK_CONFIG or the built-in defaults) unless --socket is
// given.
//
// Usage:
//
//	fleetlink clients
//	fleetlink send pi-1 speak_text --param text=hello
//	fleetlink stream start phone-1 --fps 15
//	fleetlink stream record phone-1 stream-01j... on
//	fleetlink media recordings --client phone-1
//	fleetlink recording inspect ~/.local/share/fleetlink/recordings/cam_pi-1_1760000000.avi
package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/bureau-foundation/fleetlink/lib/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	a := &app{
		out:        newOutput(os.Stdout, term.IsTerminal(int(os.Stdout.Fd()))),
		socketPath: defaultSocket(),
		now:        time.Now,
	}
	root := a.rootCommand()
	if len(args) > 0 && args[0] == "--version" {
		args = []string{"version"}
	}
	return root.Execute(args)
}

// defaultSocket resolves the operator socket from the controller
// configuration. A broken configuration leaves the built-in default,
// and --socket is still available.
func defaultSocket() string {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
		if err := cfg.Finish(); err != nil {
			return ""
		}
	}
	return cfg.OperatorSocket
}
