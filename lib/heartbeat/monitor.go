// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat evicts agents that stop talking.
//
// Liveness is the registry's last_seen timestamp, which the session
// refreshes on every inbound message. A busy video stream therefore
// keeps its client alive without any ping traffic.
//
// A sweep classifies each client by silence:
//   - up to 1x interval: healthy, nothing to do
//   - between 1x and 2x interval: suspect, the monitor sends a ping
//   - beyond 2x interval: expired, the entry is revoked and the
//     connection closed with ErrTimeout
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/metrics"
	"github.com/bureau-foundation/fleetlink/lib/registry"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// DefaultInterval is the expected heartbeat period.
const DefaultInterval = 30 * time.Second

// ErrTimeout is the close reason for connections evicted by a sweep.
var ErrTimeout = errors.New("heartbeat: no inbound traffic within timeout")

// Config configures a Monitor.
type Config struct {
	Registry *registry.Registry
	Clock    clock.Clock

	// Interval is the expected heartbeat period. Clients are expired
	// after 2x Interval of silence. Defaults to DefaultInterval.
	Interval time.Duration

	// SweepEvery is how often Run sweeps. Defaults to Interval/2, which
	// bounds detection latency to 2.5x Interval.
	SweepEvery time.Duration

	// OnExpired is called after each eviction, outside any lock.
	OnExpired func(Expired)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Expired describes one client removed by a sweep.
type Expired struct {
	ClientID     string
	ConnectionID string
	LastSeen     time.Time
	Silence      time.Duration
}

// Monitor sweeps the registry for silent clients.
type Monitor struct {
	registry   *registry.Registry
	clock      clock.Clock
	interval   time.Duration
	sweepEvery time.Duration
	onExpired  func(Expired)
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// probing holds connection ids with a ping still being written.
	probing sync.Map
}

// New returns a Monitor. Registry is required.
func New(config Config) *Monitor {
	if config.Registry == nil {
		panic("heartbeat: Config.Registry is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.SweepEvery <= 0 {
		config.SweepEvery = config.Interval / 2
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		registry:   config.Registry,
		clock:      config.Clock,
		interval:   config.Interval,
		sweepEvery: config.SweepEvery,
		onExpired:  config.OnExpired,
		metrics:    config.Metrics,
		logger:     config.Logger,
	}
}

// Interval returns the expected heartbeat period.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Timeout returns the silence after which a client is expired.
func (m *Monitor) Timeout() time.Duration { return 2 * m.interval }

// Run sweeps every SweepEvery until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evaluates every registered client once and returns the ones it
// expired. It works from a registry snapshot and takes no
// per-connection lock: probe pings are written on their own
// goroutines.
func (m *Monitor) Sweep() []Expired {
	now := m.clock.Now()
	timeout := m.Timeout()

	var expired []Expired
	for _, client := range m.registry.List() {
		silence := now.Sub(client.LastSeen)
		switch {
		case silence > timeout:
			handle, removed := m.registry.RemoveConnection(client.ID, client.ConnectionID)
			if !removed {
				// Replaced or removed since the snapshot.
				continue
			}
			eviction := Expired{
				ClientID:     client.ID,
				ConnectionID: client.ConnectionID,
				LastSeen:     client.LastSeen,
				Silence:      silence,
			}
			expired = append(expired, eviction)
			m.evict(eviction, handle)
		case silence > m.interval:
			m.probe(client, now)
		}
	}
	if len(expired) > 0 {
		m.metrics.SetClientsConnected(m.registry.Len())
	}
	return expired
}

func (m *Monitor) evict(eviction Expired, handle registry.Handle) {
	m.logger.Warn("client heartbeat expired",
		"client_id", eviction.ClientID,
		"connection_id", eviction.ConnectionID,
		"silence", eviction.Silence,
		"timeout", m.Timeout(),
	)
	m.metrics.HeartbeatExpired()
	handle.Close(ErrTimeout)
	if m.onExpired != nil {
		m.onExpired(eviction)
	}
}

// probe pings a suspect client without waiting for the write. A
// connection whose previous probe is still blocked gets no second one.
// Send failures are left for a later sweep to resolve.
func (m *Monitor) probe(client registry.Client, now time.Time) {
	handle, ok := m.registry.Handle(client.ID)
	if !ok || handle.ID() != client.ConnectionID {
		return
	}
	if _, busy := m.probing.LoadOrStore(client.ConnectionID, struct{}{}); busy {
		return
	}
	ping := &wire.Ping{Timestamp: float64(now.UnixMilli()) / 1000}
	go func() {
		defer m.probing.Delete(client.ConnectionID)
		if err := handle.Send(ping); err != nil {
			m.logger.Debug("heartbeat probe failed",
				"client_id", client.ID,
				"error", err,
			)
		}
	}()
}
