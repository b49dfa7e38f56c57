// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/clock"
)

// Call is one issued command. It settles exactly once.
type Call struct {
	ID       string
	ClientID string
	Action   string
	Params   json.RawMessage
	IssuedAt time.Time
	Deadline time.Time

	// Written under the dispatcher lock before the call can settle by
	// disconnect or timeout.
	connectionID string
	timer        *clock.Timer

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

// PendingCommand is a read-only view of an unsettled call.
type PendingCommand struct {
	CommandID string    `json:"command_id" cbor:"command_id"`
	ClientID  string    `json:"client_id" cbor:"client_id"`
	Action    string    `json:"action" cbor:"action"`
	IssuedAt  time.Time `json:"issued_at" cbor:"issued_at"`
	Deadline  time.Time `json:"deadline" cbor:"deadline"`
}

// Done is closed when the call settles.
func (c *Call) Done() <-chan struct{} { return c.done }

// Outcome returns the settlement. Valid only after Done is closed.
//
// A nil error means the agent answered with status "success". An
// answered "error" returns the Result together with a
// *CommandFailedError. ErrCommandTimeout and ErrClientDisconnected mean
// there was no answer.
func (c *Call) Outcome() (Result, error) {
	<-c.done
	return c.result, c.err
}

// Wait blocks until the call settles or ctx ends. Cancelling ctx does
// not cancel the command; the call still settles later.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return Result{CommandID: c.ID}, ctx.Err()
	}
}

func (c *Call) settle(result Result, err error) {
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.result = result
		c.err = err
		close(c.done)
	})
}

func (c *Call) snapshot() PendingCommand {
	return PendingCommand{
		CommandID: c.ID,
		ClientID:  c.ClientID,
		Action:    c.Action,
		IssuedAt:  c.IssuedAt,
		Deadline:  c.Deadline,
	}
}
