// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/dispatch"
	"github.com/bureau-foundation/fleetlink/lib/heartbeat"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/metrics"
	"github.com/bureau-foundation/fleetlink/lib/registry"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// Defaults for Config fields left zero.
const (
	DefaultRegistrationTimeout = 15 * time.Second
	DefaultMaxMessageBytes     = 16 << 20
	DefaultWriteTimeout        = 10 * time.Second
)

// Session errors.
var (
	// ErrRegistrationRequired closes a connection whose first message
	// is not a valid register, or that sends none in time.
	ErrRegistrationRequired = errors.New("session: first message must be a valid register")

	// ErrClientNameMismatch closes a connection whose register names a
	// different client than its URL path.
	ErrClientNameMismatch = errors.New("session: client_name does not match the connection path")

	// ErrConnectionClosed is returned by sends on a closing connection.
	ErrConnectionClosed = errors.New("session: connection closed")

	// ErrServerClosed is the close reason at shutdown.
	ErrServerClosed = errors.New("session: controller shutting down")
)

// Session outcomes for metrics.
const (
	outcomeRegistrationFailed = "registration_failed"
	outcomeDisconnected       = "disconnected"
	outcomeReplaced           = "replaced"
	outcomeTimeout            = "heartbeat_timeout"
	outcomeShutdown           = "shutdown"
	outcomeError              = "error"
)

// Config configures a Manager. Registry, Dispatcher and Media are
// required.
type Config struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Media      *media.Manager
	Clock      clock.Clock

	RegistrationTimeout time.Duration
	MaxMessageBytes     int64
	WriteTimeout        time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager accepts agent connections. It is an http.Handler for
// GET /ws/{client_name}.
type Manager struct {
	registry            *registry.Registry
	dispatcher          *dispatch.Dispatcher
	media               *media.Manager
	clock               clock.Clock
	registrationTimeout time.Duration
	writeTimeout        time.Duration
	metrics             *metrics.Metrics
	logger              *slog.Logger
	upgrader            websocket.Upgrader
	maxMessageBytes     int64

	mutex       sync.Mutex
	connections map[string]*conn
	closed      bool
	active      sync.WaitGroup
}

// NewManager returns a Manager. It panics if a required field is nil.
func NewManager(config Config) *Manager {
	if config.Registry == nil || config.Dispatcher == nil || config.Media == nil {
		panic("session: Config.Registry, Dispatcher and Media are required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.RegistrationTimeout <= 0 {
		config.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		registry:            config.Registry,
		dispatcher:          config.Dispatcher,
		media:               config.Media,
		clock:               config.Clock,
		registrationTimeout: config.RegistrationTimeout,
		writeTimeout:        config.WriteTimeout,
		maxMessageBytes:     config.MaxMessageBytes,
		metrics:             config.Metrics,
		logger:              config.Logger,
		connections:         make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
			// Agents are not browsers; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it
// closes. The client name comes from the {client_name} path value, or
// the last path segment when the handler is mounted without a pattern.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pathName := r.PathValue("client_name")
	if pathName == "" {
		pathName = path.Base(r.URL.Path)
	}

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	m.active.Add(1)
	m.mutex.Unlock()
	defer m.active.Done()

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		m.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(m.maxMessageBytes)

	c := &conn{
		id:           uuid.NewString(),
		ws:           ws,
		pathName:     pathName,
		remote:       r.RemoteAddr,
		writeTimeout: m.writeTimeout,
		done:         make(chan struct{}),
	}
	c.clientID.Store("")

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		c.Close(ErrServerClosed)
		return
	}
	m.connections[c.id] = c
	m.mutex.Unlock()

	m.serve(c)
}

// Len returns the number of open connections, registered or not.
func (m *Manager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.connections)
}

// Close closes every connection and waits for their cleanup. New
// connections are refused afterwards.
func (m *Manager) Close() {
	m.mutex.Lock()
	m.closed = true
	open := make([]*conn, 0, len(m.connections))
	for _, c := range m.connections {
		open = append(open, c)
	}
	m.mutex.Unlock()

	for _, c := range open {
		c.Close(ErrServerClosed)
	}
	m.active.Wait()
}

func (m *Manager) serve(c *conn) {
	logger := m.logger.With("connection_id", c.id, "remote", c.remote)
	defer m.finish(c, logger)

	clientID, err := m.register(c)
	if err != nil {
		logger.Warn("registration rejected", "path_name", c.pathName, "error", err)
		c.Send(&wire.Error{Message: err.Error()})
		c.Close(err)
		return
	}
	logger = logger.With("client_id", clientID)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() < StateClosing {
				logger.Debug("connection read ended", "error", err)
			}
			return
		}
		m.registry.Touch(clientID, c.id)

		switch messageType {
		case websocket.BinaryMessage:
			m.handleFrame(c, clientID, data, logger)
		case websocket.TextMessage:
			message, err := wire.Decode(data)
			if err != nil {
				m.metrics.EnvelopeDropped("malformed")
				logger.Warn("dropping malformed envelope", "error", err, "type", wire.PeekType(data))
				continue
			}
			m.metrics.EnvelopeReceived(string(message.Type()))
			m.route(c, clientID, message, logger)
		}
	}
}

// register reads the first message and binds the connection to a
// registry entry.
func (m *Manager) register(c *conn) (string, error) {
	c.ws.SetReadDeadline(time.Now().Add(m.registrationTimeout)) //nolint:realclock socket deadline
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRegistrationRequired, err)
	}
	if messageType != websocket.TextMessage {
		return "", fmt.Errorf("%w: got a binary message", ErrRegistrationRequired)
	}
	message, err := wire.Decode(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRegistrationRequired, err)
	}
	register, ok := message.(*wire.Register)
	if !ok {
		return "", fmt.Errorf("%w: got %s", ErrRegistrationRequired, message.Type())
	}
	if c.pathName != "" && register.ClientName != c.pathName {
		return "", fmt.Errorf("%w: path %q, register %q", ErrClientNameMismatch, c.pathName, register.ClientName)
	}

	clientID, err := m.registry.Register(register.ClientName, registry.ParsePlatform(register.Platform), register.Capabilities, c)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRegistrationRequired, err)
	}
	c.clientID.Store(clientID)
	c.setState(StateRegistered)
	// The agent's sequence counter restarts with each connection.
	m.media.ResetCaptures(clientID)
	c.ws.SetReadDeadline(time.Time{})

	if err := c.Send(&wire.AckRegistration{ClientID: clientID, Message: "registered as " + clientID}); err != nil {
		return "", err
	}
	c.setState(StateActive)
	m.metrics.SetClientsConnected(m.registry.Len())
	m.logger.Info("client registered",
		"client_id", clientID,
		"connection_id", c.id,
		"platform", register.Platform,
		"capabilities", register.Capabilities,
	)
	return clientID, nil
}

// route handles one decoded envelope from an active connection.
func (m *Manager) route(c *conn, clientID string, message wire.Message, logger *slog.Logger) {
	switch message := message.(type) {
	case *wire.CommandResponse:
		if err := m.dispatcher.Resolve(clientID, message); err != nil {
			m.metrics.EnvelopeDropped("unknown_command")
			logger.Warn("dropping command response", "command_id", message.CommandID, "error", err)
		}

	case *wire.StreamStatus:
		if _, err := m.media.ApplyClientStatus(clientID, message); err != nil {
			logger.Warn("stream status not applied",
				"stream_id", message.StreamID,
				"status", message.Status,
				"error", err,
			)
		}

	case *wire.Ping:
		now := m.clock.Now()
		pong := &wire.Pong{Timestamp: message.Timestamp, ServerTime: float64(now.UnixMilli()) / 1000}
		if err := c.Send(pong); err != nil {
			logger.Debug("pong not sent", "error", err)
		}

	case *wire.Pong:
		// Liveness only; Touch already ran.

	case *wire.Register:
		m.metrics.EnvelopeDropped("already_registered")
		logger.Warn("dropping register on an active connection")

	case *wire.Command, *wire.MediaAck, *wire.AckRegistration, *wire.Error:
		m.metrics.EnvelopeDropped("server_only")
		logger.Warn("dropping server-only envelope from client", "type", message.Type())

	default:
		m.metrics.EnvelopeDropped("unhandled")
		logger.Error("no route for envelope type", "type", message.Type())
	}
}

func (m *Manager) handleFrame(c *conn, clientID string, data []byte, logger *slog.Logger) {
	frame, err := wire.DecodeFrame(data)
	if err != nil {
		m.metrics.FrameReceived("unknown", metrics.FrameMalformed, len(data))
		logger.Warn("dropping malformed frame", "bytes", len(data), "error", err)
		return
	}
	if err := m.media.Ingest(clientID, frame); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, media.ErrDuplicateStreamFrame) {
			level = slog.LevelDebug
		}
		logger.Log(context.Background(), level, "frame not accepted",
			"kind", string(frame.Kind),
			"stream_id", frame.StreamID,
			"sequence", frame.Sequence,
			"error", err,
		)
		return
	}
	ack := &wire.MediaAck{MediaType: frame.Kind.MediaType(), Sequence: frame.Sequence, StreamID: frame.StreamID}
	if err := c.Send(ack); err != nil {
		logger.Debug("media ack not sent", "error", err)
	}
}

// finish is the single cleanup path for a connection.
func (m *Manager) finish(c *conn, logger *slog.Logger) {
	reason := c.reason()
	clientID := c.client()

	outcome := outcomeDisconnected
	switch {
	case clientID == "":
		outcome = outcomeRegistrationFailed
	case errors.Is(reason, registry.ErrReplaced):
		outcome = outcomeReplaced
	case errors.Is(reason, heartbeat.ErrTimeout):
		outcome = outcomeTimeout
	case errors.Is(reason, ErrServerClosed):
		outcome = outcomeShutdown
	case reason != nil:
		outcome = outcomeError
	}

	if clientID != "" {
		m.registry.RemoveConnection(clientID, c.id)
		failed := m.dispatcher.FailConnection(c.id)
		stopped := 0
		if _, replaced := m.registry.Handle(clientID); !replaced {
			// A replacement connection keeps the client's streams.
			stopped = len(m.media.DropClient(clientID))
		}
		m.metrics.SetClientsConnected(m.registry.Len())
		logger.Info("client disconnected",
			"outcome", outcome,
			"reason", reason,
			"failed_commands", failed,
			"stopped_streams", stopped,
		)
	}

	m.mutex.Lock()
	delete(m.connections, c.id)
	m.mutex.Unlock()

	c.setState(StateClosed)
	close(c.done)
	m.metrics.SessionEnded(outcome)
}
