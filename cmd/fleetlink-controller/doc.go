// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// fleetlink-controller is the fleet control plane server. Agents
// connect over WebSocket at /ws/<client_name>, register, and from then
// on receive commands and send media frames. Operators drive the
// fleet through the Unix operator socket (the fleetlink CLI) or the
// JSON API on the same HTTP listener as the agents.
//
// HTTP surface:
//
//	GET    /ws/{client_name}                          agent connection
//	GET    /api/clients                               registered clients
//	GET    /api/clients/{id}                          one client
//	POST   /api/clients/{id}/commands/{action}        send a command (?timeout=30s)
//	POST   /api/clients/{id}/streams                  start a video stream
//	GET    /api/clients/{id}/streams/{sid}            stream status
//	DELETE /api/clients/{id}/streams/{sid}            stop a stream
//	POST   /api/clients/{id}/streams/{sid}/record/{state}   on|off
//	POST   /api/clients/{id}/streams/{sid}/slam/{state}     on|off
//	GET    /api/clients/{id}/capture                  newest single-shot image
//	GET    /api/streams                               every stream (?client_id=)
//	GET    /api/commands                              pending commands
//	GET    /api/images, /api/recordings               catalog (?client_id=&limit=)
//	GET    /live/{id}/{sid}                            MJPEG live view
//	GET    /live/{id}/{sid}/latest.jpg                 newest frame
//	GET    /metrics, /healthz
//
// Configuration comes from --config or FLEETLINK_CONFIG; without
// either the built-in defaults are used. SIGINT or SIGTERM starts a
// graceful shutdown: sessions close, streams stop and their
// recordings are finalized, then the catalog closes.
package main
