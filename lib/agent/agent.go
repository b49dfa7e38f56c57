// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the client side of the fleet protocol: it dials the
// controller, registers, answers commands through a [Handler], and
// sends media frames.
//
//	a, err := agent.Dial(ctx, agent.Config{
//	    Endpoint:     "ws://controller:8765",
//	    ClientName:   "pi-1",
//	    Platform:     "rpi",
//	    Capabilities: []string{"camera", "speaker"},
//	    Handler:      handle,
//	})
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//	return a.Run(ctx)
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// Agent errors.
var (
	// ErrRejected means the controller answered the register with an
	// error envelope.
	ErrRejected = errors.New("agent: registration rejected")

	ErrClosed = errors.New("agent: connection closed")
)

// Handler performs one command. It replies with [Agent.Respond] and
// may send frames afterwards. Returning an error without replying
// makes the agent reply with status "error" and the error text.
type Handler func(ctx context.Context, a *Agent, command *wire.Command) error

// Config configures Dial.
type Config struct {
	// Endpoint is the controller base URL (ws:// or wss://). The
	// client name is appended as /ws/<name>.
	Endpoint string

	ClientName string

	// Platform defaults to "unknown".
	Platform     string
	Capabilities []string

	Handler Handler

	// PingInterval is how often Run pings the controller. Zero means
	// 20s; negative disables.
	PingInterval time.Duration

	// AckBuffer is the capacity of the Acks channel. Acks beyond it are
	// dropped.
	AckBuffer int

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
}

// Agent is one registered connection.
type Agent struct {
	ws           *websocket.Conn
	clientID     string
	handler      Handler
	pingInterval time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	writeMutex sync.Mutex
	sequence   atomic.Uint32
	started    atomic.Bool
	acks       chan wire.MediaAck
	pongs      chan wire.Pong

	respondedMutex sync.Mutex
	responded      map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects, registers, and waits for the controller's
// acknowledgement.
func Dial(ctx context.Context, config Config) (*Agent, error) {
	if config.ClientName == "" {
		return nil, errors.New("agent: ClientName is required")
	}
	endpoint, err := endpointURL(config.Endpoint, config.ClientName)
	if err != nil {
		return nil, err
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if config.Platform == "" {
		config.Platform = "unknown"
	}
	if config.PingInterval == 0 {
		config.PingInterval = 20 * time.Second
	}
	if config.AckBuffer <= 0 {
		config.AckBuffer = 64
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: dialing %s: %w", endpoint, err)
	}
	a := &Agent{
		ws:           ws,
		handler:      config.Handler,
		pingInterval: config.PingInterval,
		clock:        config.Clock,
		logger:       config.Logger.With("client_name", config.ClientName),
		acks:         make(chan wire.MediaAck, config.AckBuffer),
		pongs:        make(chan wire.Pong, 4),
		responded:    make(map[string]bool),
		closed:       make(chan struct{}),
	}

	capabilities := config.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	err = a.Send(&wire.Register{
		ClientName:   config.ClientName,
		Platform:     config.Platform,
		Capabilities: capabilities,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()
	_, data, err := ws.ReadMessage()
	if err != nil {
		a.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent: waiting for registration ack: %w", ctx.Err())
		}
		return nil, fmt.Errorf("agent: waiting for registration ack: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	message, err := wire.Decode(data)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("agent: registration reply: %w", err)
	}
	switch reply := message.(type) {
	case *wire.AckRegistration:
		a.clientID = reply.ClientID
	case *wire.Error:
		a.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Message)
	default:
		a.Close()
		return nil, fmt.Errorf("agent: expected ack_registration, got %s", message.Type())
	}
	a.logger.Info("registered", "client_id", a.clientID)
	return a, nil
}

func endpointURL(endpoint, clientName string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("agent: endpoint %q: %w", endpoint, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("agent: endpoint %q: scheme must be ws or wss", endpoint)
	}
	base := strings.TrimSuffix(parsed.Path, "/")
	parsed.Path = base + "/ws/" + clientName
	parsed.RawPath = base + "/ws/" + url.PathEscape(clientName)
	return parsed.String(), nil
}

// ClientID is the id the controller assigned.
func (a *Agent) ClientID() string { return a.clientID }

// Acks delivers media_ack envelopes in arrival order.
func (a *Agent) Acks() <-chan wire.MediaAck { return a.acks }

// Pongs delivers pong envelopes answering this agent's pings.
func (a *Agent) Pongs() <-chan wire.Pong { return a.pongs }

// Done is closed when the connection ends.
func (a *Agent) Done() <-chan struct{} { return a.closed }

// Send writes one envelope.
func (a *Agent) Send(message wire.Message) error {
	data, err := wire.Encode(message)
	if err != nil {
		return err
	}
	return a.write(websocket.TextMessage, data)
}

// Respond answers commandID with status success and data marshaled to
// JSON.
func (a *Agent) Respond(commandID string, data any) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("agent: encoding response data: %w", err)
		}
		raw = encoded
	}
	a.markResponded(commandID)
	return a.Send(&wire.CommandResponse{CommandID: commandID, Status: wire.StatusSuccess, Data: raw})
}

// RespondError answers commandID with status error.
func (a *Agent) RespondError(commandID, message string) error {
	a.markResponded(commandID)
	return a.Send(&wire.CommandResponse{CommandID: commandID, Status: wire.StatusError, ErrorMessage: message})
}

// NextSequence allocates the next media sequence number, starting at
// 0. Images and video frames share the counter.
func (a *Agent) NextSequence() uint32 {
	if a.started.CompareAndSwap(false, true) {
		return 0
	}
	return a.sequence.Add(1)
}

// SendFrame sends payload with the next sequence number and returns
// the number used.
func (a *Agent) SendFrame(kind wire.FrameKind, streamID string, payload []byte) (uint32, error) {
	sequence := a.NextSequence()
	return sequence, a.SendFrameSequence(kind, sequence, streamID, payload)
}

// SendFrameSequence sends payload with an explicit sequence number.
func (a *Agent) SendFrameSequence(kind wire.FrameKind, sequence uint32, streamID string, payload []byte) error {
	data, err := wire.EncodeFrame(wire.Frame{Kind: kind, Sequence: sequence, StreamID: streamID, Payload: payload})
	if err != nil {
		return err
	}
	return a.write(websocket.BinaryMessage, data)
}

// SendStreamStatus reports a stream state change.
func (a *Agent) SendStreamStatus(status *wire.StreamStatus) error {
	return a.Send(status)
}

// Run reads from the controller until ctx ends or the connection
// closes. Commands are handled on their own goroutines.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { a.Close() })
	defer stop()

	if a.pingInterval > 0 {
		go a.pingLoop(ctx)
	}

	var handlers sync.WaitGroup
	defer func() {
		cancel()
		handlers.Wait()
	}()
	for {
		_, data, err := a.ws.ReadMessage()
		if err != nil {
			a.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("agent: reading: %w", err)
		}
		message, err := wire.Decode(data)
		if err != nil {
			a.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		switch message := message.(type) {
		case *wire.Command:
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				a.handle(ctx, message)
			}()
		case *wire.Ping:
			pong := &wire.Pong{Timestamp: message.Timestamp}
			if err := a.Send(pong); err != nil {
				a.logger.Debug("pong not sent", "error", err)
			}
		case *wire.Pong:
			select {
			case a.pongs <- *message:
			default:
			}
		case *wire.MediaAck:
			select {
			case a.acks <- *message:
			default:
				a.logger.Debug("media ack dropped, buffer full", "sequence", message.Sequence)
			}
		case *wire.Error:
			a.logger.Warn("controller reported an error", "message", message.Message)
		default:
			a.logger.Debug("ignoring envelope", "type", message.Type())
		}
	}
}

func (a *Agent) handle(ctx context.Context, command *wire.Command) {
	if a.handler == nil {
		a.RespondError(command.CommandID, "no handler for "+command.Action)
		return
	}
	err := a.handler(ctx, a, command)
	if err != nil && !a.takeResponded(command.CommandID) {
		if sendErr := a.RespondError(command.CommandID, err.Error()); sendErr != nil {
			a.logger.Debug("error response not sent", "command_id", command.CommandID, "error", sendErr)
		}
	}
	a.takeResponded(command.CommandID)
}

func (a *Agent) markResponded(commandID string) {
	a.respondedMutex.Lock()
	a.responded[commandID] = true
	a.respondedMutex.Unlock()
}

// takeResponded reports and forgets whether commandID was answered.
func (a *Agent) takeResponded(commandID string) bool {
	a.respondedMutex.Lock()
	defer a.respondedMutex.Unlock()
	responded := a.responded[commandID]
	delete(a.responded, commandID)
	return responded
}

func (a *Agent) pingLoop(ctx context.Context) {
	ticker := a.clock.NewTicker(a.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case now := <-ticker.C:
			if err := a.Send(&wire.Ping{Timestamp: float64(now.UnixMilli()) / 1000}); err != nil {
				return
			}
		}
	}
}

func (a *Agent) write(messageType int, data []byte) error {
	a.writeMutex.Lock()
	defer a.writeMutex.Unlock()
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}
	a.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:realclock socket deadline
	if err := a.ws.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("agent: writing: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection. Safe to call
// more than once.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		deadline := time.Now().Add(time.Second) //nolint:realclock socket deadline
		a.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = a.ws.Close()
	})
	return err
}
