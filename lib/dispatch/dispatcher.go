// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch correlates commands sent to agents with their
// responses.
//
// [Dispatcher.Send] returns a [*Call] as soon as the command envelope
// is written. The call settles exactly once, by whichever of these
// reaches the pending table first:
//
//   - a matching command_response ([Dispatcher.Resolve])
//   - the per-command deadline ([ErrCommandTimeout])
//   - the connection closing ([Dispatcher.FailConnection])
//
// Whoever removes the entry from the table owns the settlement; the
// others find nothing and do nothing. A response that finds nothing is
// reported as [ErrUnknownCommandResponse] for the session to log.
package dispatch

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/metrics"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// DefaultTimeout applies when Send is given a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// Dispatcher errors.
var (
	// ErrCommandTimeout settles a call whose deadline passed without a
	// response. The agent may still be alive; it did not answer.
	ErrCommandTimeout = errors.New("dispatch: command timed out")

	// ErrClientDisconnected settles calls whose connection closed
	// before a response arrived.
	ErrClientDisconnected = errors.New("dispatch: client disconnected")

	// ErrClientNotConnected is returned by Send when the client has no
	// live connection.
	ErrClientNotConnected = errors.New("dispatch: client not connected")

	// ErrUnknownCommandResponse is returned by Resolve for responses
	// that match no pending command: never issued, already settled,
	// or sent by a different client.
	ErrUnknownCommandResponse = errors.New("dispatch: response for unknown command")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("dispatch: dispatcher closed")
)

// CommandFailedError is the error form of a response with status
// "error": the agent received the command and rejected it.
type CommandFailedError struct {
	CommandID string
	Action    string
	Message   string
}

func (e *CommandFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("command %s (%s) failed on client", e.CommandID, e.Action)
	}
	return fmt.Sprintf("command %s (%s) failed on client: %s", e.CommandID, e.Action, e.Message)
}

// Connection is one live agent connection.
type Connection interface {
	ID() string
	Send(message wire.Message) error
}

// Transport resolves a client to its current connection. It returns an
// error matching ErrClientNotConnected when there is none.
type Transport interface {
	Connection(clientID string) (Connection, error)
}

// Result is the agent's answer to a command.
type Result struct {
	CommandID    string          `json:"command_id"`
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Config configures a Dispatcher.
type Config struct {
	Transport Transport
	Clock     clock.Clock

	// DefaultTimeout is used when Send is given no timeout. Defaults to
	// the package DefaultTimeout.
	DefaultTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Dispatcher owns the pending-command table.
type Dispatcher struct {
	transport      Transport
	clock          clock.Clock
	defaultTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	pending map[string]*Call
	closed  bool
}

// New returns a Dispatcher. Transport is required.
func New(config Config) *Dispatcher {
	if config.Transport == nil {
		panic("dispatch: Config.Transport is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		transport:      config.Transport,
		clock:          config.Clock,
		defaultTimeout: config.DefaultTimeout,
		metrics:        config.Metrics,
		logger:         config.Logger,
		entropy:        ulid.Monotonic(rand.Reader, 0),
		pending:        make(map[string]*Call),
	}
}

// Send issues action to clientID and returns without waiting for the
// response. params is marshaled to JSON; nil sends no params.
func (d *Dispatcher) Send(clientID, action string, params any, timeout time.Duration) (*Call, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	encoded, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encoding %s params: %w", action, err)
	}

	connection, err := d.transport.Connection(clientID)
	if err != nil {
		d.metrics.CommandSettled(metrics.CommandSendFailed, 0)
		return nil, err
	}

	now := d.clock.Now()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	commandID, err := ulid.New(ulid.Timestamp(now), d.entropy)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatch: allocating command id: %w", err)
	}
	call := &Call{
		ID:           commandID.String(),
		ClientID:     clientID,
		Action:       action,
		Params:       encoded,
		IssuedAt:     now,
		Deadline:     now.Add(timeout),
		connectionID: connection.ID(),
		done:         make(chan struct{}),
	}
	// The entry, bound to its connection, exists before the envelope
	// is written so a fast response always finds it and a close during
	// the write fails it.
	d.pending[call.ID] = call
	d.mu.Unlock()

	err = connection.Send(&wire.Command{
		CommandID: call.ID,
		Action:    action,
		Params:    encoded,
	})
	if err != nil {
		if d.take(call.ID) == nil {
			// FailConnection settled it while the write was failing.
			return call, nil
		}
		d.metrics.CommandSettled(metrics.CommandSendFailed, 0)
		return nil, fmt.Errorf("dispatch: sending %s to %s: %w: %w", action, clientID, ErrClientNotConnected, err)
	}

	d.mu.Lock()
	if _, stillPending := d.pending[call.ID]; stillPending {
		call.timer = d.clock.AfterFunc(timeout, func() { d.expire(call.ID) })
	}
	d.mu.Unlock()

	d.logger.Debug("command sent",
		"client_id", clientID,
		"command_id", call.ID,
		"action", action,
		"timeout", timeout,
	)
	return call, nil
}

// Resolve settles the pending command named by response. Responses that
// match nothing return ErrUnknownCommandResponse and change nothing.
func (d *Dispatcher) Resolve(clientID string, response *wire.CommandResponse) error {
	d.mu.Lock()
	call, ok := d.pending[response.CommandID]
	if !ok || call.ClientID != clientID {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s from %s", ErrUnknownCommandResponse, response.CommandID, clientID)
	}
	delete(d.pending, response.CommandID)
	d.mu.Unlock()

	result := Result{
		CommandID:    response.CommandID,
		Status:       response.Status,
		Data:         response.Data,
		ErrorMessage: response.ErrorMessage,
	}
	var err error
	outcome := metrics.CommandSuccess
	if response.Status != wire.StatusSuccess {
		outcome = metrics.CommandError
		err = &CommandFailedError{CommandID: call.ID, Action: call.Action, Message: response.ErrorMessage}
	}
	latency := d.clock.Now().Sub(call.IssuedAt)
	d.metrics.CommandSettled(outcome, latency.Seconds())
	call.settle(result, err)

	d.logger.Debug("command resolved",
		"client_id", clientID,
		"command_id", call.ID,
		"action", call.Action,
		"status", response.Status,
		"latency", latency,
	)
	return nil
}

// FailConnection settles every command sent over connectionID with
// ErrClientDisconnected. Commands that went out on a newer connection
// for the same client are not touched. Returns the number settled.
func (d *Dispatcher) FailConnection(connectionID string) int {
	d.mu.Lock()
	var failed []*Call
	for id, call := range d.pending {
		if call.connectionID == connectionID {
			delete(d.pending, id)
			failed = append(failed, call)
		}
	}
	d.mu.Unlock()

	for _, call := range failed {
		d.metrics.CommandSettled(metrics.CommandDisconnected, 0)
		call.settle(Result{CommandID: call.ID}, fmt.Errorf("%w: %s (%s)", ErrClientDisconnected, call.ClientID, call.Action))
	}
	return len(failed)
}

// Pending reports whether commandID is awaiting a response.
func (d *Dispatcher) Pending(commandID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[commandID]
	return ok
}

// PendingCount returns the size of the pending table.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// PendingCommands returns snapshots of every pending command.
func (d *Dispatcher) PendingCommands() []PendingCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	commands := make([]PendingCommand, 0, len(d.pending))
	for _, call := range d.pending {
		commands = append(commands, call.snapshot())
	}
	return commands
}

// Close rejects further sends and settles everything pending with
// ErrClientDisconnected.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]*Call)
	d.mu.Unlock()

	for _, call := range pending {
		call.settle(Result{CommandID: call.ID}, fmt.Errorf("%w: controller shutting down", ErrClientDisconnected))
	}
}

func (d *Dispatcher) expire(commandID string) {
	call := d.take(commandID)
	if call == nil {
		return
	}
	d.metrics.CommandSettled(metrics.CommandTimeout, 0)
	d.logger.Warn("command timed out",
		"client_id", call.ClientID,
		"command_id", call.ID,
		"action", call.Action,
		"deadline", call.Deadline,
	)
	call.settle(Result{CommandID: call.ID}, fmt.Errorf("%w: %s (%s) after %v",
		ErrCommandTimeout, call.ID, call.Action, call.Deadline.Sub(call.IssuedAt)))
}

// take removes commandID from the table and returns it, or nil if it
// was already settled.
func (d *Dispatcher) take(commandID string) *Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	call, ok := d.pending[commandID]
	if !ok {
		return nil
	}
	delete(d.pending, commandID)
	return call
}

func encodeParams(params any) (json.RawMessage, error) {
	switch typed := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(typed) == 0 {
			return nil, nil
		}
		if !json.Valid(typed) {
			return nil, errors.New("params are not valid JSON")
		}
		return typed, nil
	}
	return json.Marshal(params)
}
