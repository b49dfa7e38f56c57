// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/bureau-foundation/fleetlink/lib/dispatch"
	"github.com/bureau-foundation/fleetlink/lib/registry"
)

// Transport hands the dispatcher whichever connection the registry
// currently holds for a client.
type Transport struct {
	registry *registry.Registry
}

// NewTransport returns a dispatch.Transport over r.
func NewTransport(r *registry.Registry) *Transport {
	return &Transport{registry: r}
}

// Connection returns clientID's live connection.
func (t *Transport) Connection(clientID string) (dispatch.Connection, error) {
	handle, ok := t.registry.Handle(clientID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrClientNotConnected, clientID)
	}
	return handle, nil
}
