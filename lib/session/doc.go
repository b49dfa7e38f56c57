// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs agent connections.
//
// Each WebSocket connection moves through
//
//	Connecting -> Registered -> Active -> Closing -> Closed
//
// The first message must be a register envelope whose client_name
// matches the connection path; anything else gets an error envelope
// and the connection closes with [ErrRegistrationRequired]. Once
// Active, every inbound text message is decoded and routed by type,
// and every binary message is a media frame for the stream manager.
//
// One goroutine (the HTTP handler's) reads each connection. Writes go
// through a per-connection mutex, so commands, pongs and media acks
// from different goroutines never interleave on the socket. Close is
// idempotent and cleanup runs exactly once: the registry entry is
// removed if this connection still owns it, pending commands sent over
// it fail, and the client's streams are stopped.
package session
