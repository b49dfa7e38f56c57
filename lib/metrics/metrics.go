// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes fleetlink's Prometheus collectors.
//
// Components receive a *Metrics and call its methods directly. A nil
// *Metrics is valid and records nothing, so tests and embedders that do
// not care about metrics pass nil.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame results.
const (
	FrameAccepted     = "accepted"
	FrameDuplicate    = "duplicate"
	FrameUnauthorized = "unauthorized"
	FrameMalformed    = "malformed"
	FrameStoreFailed  = "store_failed"
)

// Command outcomes.
const (
	CommandSuccess      = "success"
	CommandError        = "error"
	CommandTimeout      = "timeout"
	CommandDisconnected = "disconnected"
	CommandSendFailed   = "send_failed"
)

// Metrics holds every collector fleetlink registers.
type Metrics struct {
	registry *prometheus.Registry

	clientsConnected   prometheus.Gauge
	sessions           *prometheus.CounterVec
	envelopes          *prometheus.CounterVec
	envelopeErrors     *prometheus.CounterVec
	frames             *prometheus.CounterVec
	frameBytes         *prometheus.CounterVec
	commands           *prometheus.CounterVec
	commandLatency     prometheus.Histogram
	recordingFailures  prometheus.Counter
	heartbeatExpired   prometheus.Counter
	subscriberFailures *prometheus.CounterVec
	activeStreams      prometheus.Gauge
}

// New creates the collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetlink",
			Name:      "clients_connected",
			Help:      "Agents currently registered.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Name:      "sessions_total",
			Help:      "Agent connections by how they ended.",
		}, []string{"outcome"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Name:      "envelopes_total",
			Help:      "Structured messages received, by type.",
		}, []string{"type"}),
		envelopeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Name:      "envelope_errors_total",
			Help:      "Structured messages dropped, by reason.",
		}, []string{"reason"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Name:      "frames_total",
			Help:      "Binary media frames received, by kind and result.",
		}, []string{"kind", "result"}),
		frameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Name:      "frame_bytes_total",
			Help:      "Payload bytes of accepted media frames.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Name:      "commands_total",
			Help:      "Commands settled, by outcome.",
		}, []string{"outcome"}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetlink",
			Name:      "command_response_seconds",
			Help:      "Time from send to response for answered commands.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		recordingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Name:      "recording_failures_total",
			Help:      "Recordings stopped by a write or finalize error.",
		}),
		heartbeatExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Name:      "heartbeat_expired_total",
			Help:      "Clients removed for missing the heartbeat deadline.",
		}),
		subscriberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Name:      "frame_subscriber_failures_total",
			Help:      "Auxiliary frame subscriber failures, by kind (panic, error, dropped).",
		}, []string{"kind"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetlink",
			Name:      "streams_active",
			Help:      "Streams currently open.",
		}),
	}
	registry.MustRegister(
		m.clientsConnected, m.sessions, m.envelopes, m.envelopeErrors,
		m.frames, m.frameBytes, m.commands, m.commandLatency,
		m.recordingFailures, m.heartbeatExpired, m.subscriberFailures,
		m.activeStreams,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and embedders.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// SetClientsConnected sets the registered-agent gauge.
func (m *Metrics) SetClientsConnected(count int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(count))
}

// SessionEnded counts a closed connection.
func (m *Metrics) SessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

// EnvelopeReceived counts a decoded structured message.
func (m *Metrics) EnvelopeReceived(messageType string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(messageType).Inc()
}

// EnvelopeDropped counts a structured message that was not processed.
func (m *Metrics) EnvelopeDropped(reason string) {
	if m == nil {
		return
	}
	m.envelopeErrors.WithLabelValues(reason).Inc()
}

// FrameReceived counts a binary frame by kind ("image", "video_frame")
// and result.
func (m *Metrics) FrameReceived(kind, result string, payloadBytes int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind, result).Inc()
	if result == FrameAccepted {
		m.frameBytes.WithLabelValues(kind).Add(float64(payloadBytes))
	}
}

// CommandSettled counts a command outcome. latencySeconds is observed
// only for answered commands.
func (m *Metrics) CommandSettled(outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
	if outcome == CommandSuccess || outcome == CommandError {
		m.commandLatency.Observe(latencySeconds)
	}
}

// RecordingFailed counts a recording downgraded by an I/O error.
func (m *Metrics) RecordingFailed() {
	if m == nil {
		return
	}
	m.recordingFailures.Inc()
}

// HeartbeatExpired counts a client removed by the liveness sweep.
func (m *Metrics) HeartbeatExpired() {
	if m == nil {
		return
	}
	m.heartbeatExpired.Inc()
}

// SubscriberFailed counts a frame subscriber failure.
func (m *Metrics) SubscriberFailed(kind string) {
	if m == nil {
		return
	}
	m.subscriberFailures.WithLabelValues(kind).Inc()
}

// SetActiveStreams sets the open-stream gauge.
func (m *Metrics) SetActiveStreams(count int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(count))
}
