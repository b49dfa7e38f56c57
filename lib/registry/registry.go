// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the authoritative set of connected agents.
//
// Each entry binds a client id to the connection that registered it.
// A second registration under the same id replaces the first: the new
// connection wins and the old one is closed in the background. Every
// removal is keyed by connection id, so a session that is tearing down
// cannot evict the connection that replaced it.
//
// Readers get value snapshots ([Registry.Lookup], [Registry.List]).
// Nothing outside the package holds a pointer into the table.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// Registry errors.
var (
	// ErrReplaced is the close reason given to a connection displaced
	// by a newer registration of the same client.
	ErrReplaced = errors.New("registry: superseded by a newer registration")

	// ErrInvalidClientName is returned by Register for names that cannot
	// be used as a client id.
	ErrInvalidClientName = errors.New("registry: invalid client name")
)

// Handle is a live connection as the registry sees it. Session Manager
// owns the implementation.
type Handle interface {
	// ID identifies the physical connection. Unique per process.
	ID() string

	// Send writes one envelope to the agent.
	Send(message wire.Message) error

	// Close tears the connection down with reason. Safe to call more
	// than once and from any goroutine.
	Close(reason error)
}

// Platform is an agent's declared host type.
type Platform string

// Known platforms. Anything else registers as PlatformOther.
const (
	PlatformLinux   Platform = "linux"
	PlatformAndroid Platform = "android"
	PlatformRPi     Platform = "rpi"
	PlatformOther   Platform = "other"
)

// ParsePlatform normalizes a declared platform string.
func ParsePlatform(declared string) Platform {
	switch Platform(strings.ToLower(strings.TrimSpace(declared))) {
	case PlatformLinux:
		return PlatformLinux
	case PlatformAndroid:
		return PlatformAndroid
	case PlatformRPi, "raspberrypi", "raspberry_pi":
		return PlatformRPi
	}
	return PlatformOther
}

// Status is a client's derived liveness.
type Status string

// Client statuses.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Client is a snapshot of one registry entry.
type Client struct {
	ID           string    `json:"client_id" cbor:"client_id"`
	Name         string    `json:"name" cbor:"name"`
	Platform     Platform  `json:"platform" cbor:"platform"`
	Capabilities []string  `json:"capabilities" cbor:"capabilities"`
	ConnectionID string    `json:"connection_id" cbor:"connection_id"`
	ConnectedAt  time.Time `json:"connected_at" cbor:"connected_at"`
	LastSeen     time.Time `json:"last_seen" cbor:"last_seen"`
	Status       Status    `json:"status" cbor:"status"`
}

// HasCapability reports whether the client declared capability.
func (c Client) HasCapability(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// Config configures a Registry.
type Config struct {
	Clock clock.Clock

	// OfflineAfter is how long a client may go without inbound traffic
	// before snapshots report it offline. Zero means never; the
	// heartbeat monitor normally removes the entry first.
	OfflineAfter time.Duration

	Logger *slog.Logger
}

// Registry maps client ids to their live connection.
type Registry struct {
	clock        clock.Clock
	offlineAfter time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	client Client
	handle Handle
}

// New returns an empty registry.
func New(config Config) *Registry {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		clock:        config.Clock,
		offlineAfter: config.OfflineAfter,
		logger:       config.Logger,
		entries:      make(map[string]*entry),
	}
}

// Register binds name to handle and returns the client id. An existing
// entry for the same id is replaced; its handle is closed
// asynchronously with ErrReplaced.
func (r *Registry) Register(name string, platform Platform, capabilities []string, handle Handle) (string, error) {
	clientID, err := ClientID(name)
	if err != nil {
		return "", err
	}
	now := r.clock.Now()
	fresh := &entry{
		client: Client{
			ID:           clientID,
			Name:         name,
			Platform:     platform,
			Capabilities: normalizeCapabilities(capabilities),
			ConnectionID: handle.ID(),
			ConnectedAt:  now,
			LastSeen:     now,
			Status:       StatusOnline,
		},
		handle: handle,
	}

	r.mu.Lock()
	previous := r.entries[clientID]
	r.entries[clientID] = fresh
	r.mu.Unlock()

	if previous != nil && previous.handle.ID() != handle.ID() {
		r.logger.Info("client re-registered, closing previous connection",
			"client_id", clientID,
			"previous_connection", previous.handle.ID(),
			"connection_id", handle.ID(),
		)
		go previous.handle.Close(ErrReplaced)
	}
	return clientID, nil
}

// ClientID derives the registry id for a declared client name. Names
// are used verbatim so that an agent reconnecting under the same name
// replaces its previous entry.
func ClientID(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientName)
	}
	if len(name) > 128 {
		return "", fmt.Errorf("%w: %d bytes, limit 128", ErrInvalidClientName, len(name))
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '/' {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidClientName, name, r)
		}
	}
	return name, nil
}

// Lookup returns a snapshot of the client.
func (r *Registry) Lookup(clientID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.entries[clientID]
	if !ok {
		return Client{}, false
	}
	return r.snapshotLocked(current), true
}

// Handle returns the live connection for clientID.
func (r *Registry) Handle(clientID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.entries[clientID]
	if !ok {
		return nil, false
	}
	return current.handle, true
}

// Touch records inbound traffic for clientID on connectionID. Traffic
// from a connection that no longer owns the entry is ignored.
func (r *Registry) Touch(clientID, connectionID string) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[clientID]; ok && current.handle.ID() == connectionID {
		current.client.LastSeen = now
	}
}

// Remove drops clientID regardless of which connection owns it and
// returns the removed handle. The handle is not closed.
func (r *Registry) Remove(clientID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[clientID]
	if !ok {
		return nil, false
	}
	delete(r.entries, clientID)
	return current.handle, true
}

// RemoveConnection drops clientID only while connectionID still owns
// it, returning the removed handle. The handle is not closed.
func (r *Registry) RemoveConnection(clientID, connectionID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[clientID]
	if !ok || current.handle.ID() != connectionID {
		return nil, false
	}
	delete(r.entries, clientID)
	return current.handle, true
}

// List returns snapshots of every client, ordered by id.
func (r *Registry) List() []Client {
	r.mu.RLock()
	clients := make([]Client, 0, len(r.entries))
	for _, current := range r.entries {
		clients = append(clients, r.snapshotLocked(current))
	}
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) snapshotLocked(current *entry) Client {
	client := current.client
	client.Capabilities = slices.Clone(current.client.Capabilities)
	client.Status = StatusOnline
	if r.offlineAfter > 0 && r.clock.Now().Sub(client.LastSeen) > r.offlineAfter {
		client.Status = StatusOffline
	}
	return client
}

func normalizeCapabilities(capabilities []string) []string {
	normalized := make([]string, 0, len(capabilities))
	for _, capability := range capabilities {
		capability = strings.TrimSpace(capability)
		if capability != "" && !slices.Contains(normalized, capability) {
			normalized = append(normalized, capability)
		}
	}
	return normalized
}
