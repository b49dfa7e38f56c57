// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the controller's operator socket: a Unix socket
// speaking one CBOR request and one CBOR response per connection.
//
// A request is a CBOR map with an "action" key plus action-specific
// fields. A response is {ok, error, data}. The operator CLI is the
// main caller, through [Client.Call]:
//
//	client := service.NewClient("/run/fleetlink/operator.sock")
//	var clients []registry.Client
//	err := client.Call(ctx, "list-clients", nil, &clients)
//
// Failures reported by the controller come back as *[ServiceError];
// anything else is a transport or decoding problem.
package service
