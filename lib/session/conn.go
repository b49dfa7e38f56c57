// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// State is a connection's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateRegistered
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// conn is one agent connection. It is the registry.Handle for the
// client it registers.
type conn struct {
	id           string
	ws           *websocket.Conn
	pathName     string
	remote       string
	writeTimeout time.Duration

	state    atomic.Int32
	clientID atomic.Value // string, set on registration

	writeMutex sync.Mutex

	closeOnce   sync.Once
	closeReason error
	done        chan struct{}
}

func (c *conn) ID() string { return c.id }

func (c *conn) State() State { return State(c.state.Load()) }

func (c *conn) setState(state State) { c.state.Store(int32(state)) }

func (c *conn) client() string {
	id, _ := c.clientID.Load().(string)
	return id
}

// Send writes one envelope. It fails once the connection is closing.
func (c *conn) Send(message wire.Message) error {
	data, err := wire.Encode(message)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *conn) write(messageType int, data []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)) //nolint:realclock socket deadline
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		go c.Close(fmt.Errorf("session: write failed: %w", err))
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return nil
}

// Close starts teardown with reason. The reading goroutine finishes
// cleanup. Safe to call from any goroutine, any number of times.
func (c *conn) Close(reason error) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		c.setState(StateClosing)
		closeCode, text := closeMessage(reason)
		deadline := time.Now().Add(time.Second) //nolint:realclock socket deadline
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, text), deadline)
		c.ws.Close()
	})
}

// reason returns why the connection closed, or nil if the peer went
// away first.
func (c *conn) reason() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.ws.Close()
	})
	return c.closeReason
}

func closeMessage(reason error) (int, string) {
	if reason == nil {
		return websocket.CloseNormalClosure, ""
	}
	code := websocket.CloseGoingAway
	if errors.Is(reason, ErrRegistrationRequired) || errors.Is(reason, ErrClientNameMismatch) {
		code = websocket.ClosePolicyViolation
	}
	text := reason.Error()
	// Control frame payloads are limited to 125 bytes, two of them the
	// close code.
	if len(text) > 123 {
		text = text[:123]
	}
	return code, text
}
