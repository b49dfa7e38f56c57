// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the two message families carried on an agent
// connection.
//
// Structured messages are JSON envelopes, one per WebSocket text
// message:
//
//	{"type": "register", "payload": {"client_name": "pi-1", ...}}
//
// [Decode] validates the payload against the schema for its type and
// returns one of the concrete [Message] types. The set is closed:
// every Message is one of the structs in envelope.go, so a type switch
// at the session boundary can handle them all.
//
// Media travels as binary WebSocket messages with a fixed layout:
//
//	+--------+-----------------+------------------+---------+
//	| "IMG:" | sequence uint32 | stream_id ... \0 | payload |
//	| "VID:" | big-endian      | UTF-8            | (rest)  |
//	+--------+-----------------+------------------+---------+
//
// The payload has no length field; it is the remainder of the
// transport message. [DecodeFrame] therefore needs exactly one
// transport message per call.
package wire
