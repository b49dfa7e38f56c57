// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by fleetlink
// binaries: fatal error reporting before a logger exists, and logger
// construction from a --log-level flag.
package process
