// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by fleetlink tests.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so tests never hang on a lost message.
// They are the only place tests touch wall-clock timeouts; everything
// else runs on a [clock.FakeClock].
//
// [SocketDir] returns a short /tmp directory for Unix sockets, whose
// paths are limited to 108 bytes. [UniqueID] returns distinguishable
// identifiers for clients and streams. [Logger] returns a discarding
// slog logger, or a text logger to stderr when FLEETLINK_TEST_LOG is
// set.
//
// Helpers fail the test with t.Fatalf instead of returning errors.
package testutil
