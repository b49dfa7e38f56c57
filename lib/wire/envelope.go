// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is returned by Decode when the envelope is not
// valid JSON, names an unknown type, or carries a payload that does not
// match its type's schema.
var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

// Type names an envelope kind.
type Type string

// Envelope types exchanged with agents. AckRegistration and Error are
// sent only by the controller.
const (
	TypeRegister        Type = "register"
	TypeCommand         Type = "command"
	TypeCommandResponse Type = "command_response"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeStreamStatus    Type = "stream_status"
	TypeMediaAck        Type = "media_ack"
	TypeAckRegistration Type = "ack_registration"
	TypeError           Type = "error"
)

// Message is one decoded envelope payload.
type Message interface {
	// Type returns the envelope type the message is sent under.
	Type() Type
	validate() error
}

// Register is an agent's first message on a new connection.
type Register struct {
	ClientName   string   `json:"client_name"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// Command asks an agent to perform an action.
type Command struct {
	CommandID string          `json:"command_id"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Command response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CommandResponse settles a previously sent Command.
type CommandResponse struct {
	CommandID    string          `json:"command_id"`
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Ping is a liveness probe. Either side may send one; the receiver
// answers with Pong echoing Timestamp.
type Ping struct {
	Timestamp float64 `json:"timestamp"`
}

// Pong answers a Ping. ServerTime is set when the controller answers.
type Pong struct {
	Timestamp  float64 `json:"timestamp"`
	ServerTime float64 `json:"server_time,omitempty"`
}

// Stream states an agent reports in StreamStatus.
const (
	StreamStarted         = "started"
	StreamStoppedByClient = "stopped_by_client"
	StreamErrorOnClient   = "error_on_client"
)

// StreamStatus reports an agent-side change in a video stream.
type StreamStatus struct {
	StreamID string `json:"stream_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FPS      int    `json:"fps,omitempty"`
}

// Media kinds named in MediaAck.
const (
	MediaImage      = "image"
	MediaVideoFrame = "video_frame"
)

// MediaAck acknowledges an accepted binary frame.
type MediaAck struct {
	MediaType string `json:"media_type"`
	Sequence  uint32 `json:"sequence"`
	StreamID  string `json:"stream_id,omitempty"`
}

// AckRegistration confirms a Register and carries the assigned id.
type AckRegistration struct {
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// Error reports a protocol violation before the controller closes the
// connection.
type Error struct {
	Message string `json:"message"`
}

func (*Register) Type() Type        { return TypeRegister }
func (*Command) Type() Type         { return TypeCommand }
func (*CommandResponse) Type() Type { return TypeCommandResponse }
func (*Ping) Type() Type            { return TypePing }
func (*Pong) Type() Type            { return TypePong }
func (*StreamStatus) Type() Type    { return TypeStreamStatus }
func (*MediaAck) Type() Type        { return TypeMediaAck }
func (*AckRegistration) Type() Type { return TypeAckRegistration }
func (*Error) Type() Type           { return TypeError }

func (m *Register) validate() error {
	if m.ClientName == "" {
		return errors.New("client_name is required")
	}
	if m.Platform == "" {
		return errors.New("platform is required")
	}
	if m.Capabilities == nil {
		return errors.New("capabilities is required")
	}
	return nil
}

func (m *Command) validate() error {
	if m.CommandID == "" {
		return errors.New("command_id is required")
	}
	if m.Action == "" {
		return errors.New("action is required")
	}
	return nil
}

func (m *CommandResponse) validate() error {
	if m.CommandID == "" {
		return errors.New("command_id is required")
	}
	if m.Status != StatusSuccess && m.Status != StatusError {
		return fmt.Errorf("status %q is not %q or %q", m.Status, StatusSuccess, StatusError)
	}
	return nil
}

func (*Ping) validate() error { return nil }
func (*Pong) validate() error { return nil }

func (m *StreamStatus) validate() error {
	if m.StreamID == "" {
		return errors.New("stream_id is required")
	}
	switch m.Status {
	case StreamStarted, StreamStoppedByClient, StreamErrorOnClient:
		return nil
	}
	return fmt.Errorf("unknown stream status %q", m.Status)
}

func (m *MediaAck) validate() error {
	if m.MediaType != MediaImage && m.MediaType != MediaVideoFrame {
		return fmt.Errorf("unknown media_type %q", m.MediaType)
	}
	return nil
}

func (m *AckRegistration) validate() error {
	if m.ClientID == "" {
		return errors.New("client_id is required")
	}
	return nil
}

func (m *Error) validate() error {
	if m.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// envelope is the JSON shape shared by every structured message.
type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newMessage(messageType Type) Message {
	switch messageType {
	case TypeRegister:
		return &Register{}
	case TypeCommand:
		return &Command{}
	case TypeCommandResponse:
		return &CommandResponse{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeStreamStatus:
		return &StreamStatus{}
	case TypeMediaAck:
		return &MediaAck{}
	case TypeAckRegistration:
		return &AckRegistration{}
	case TypeError:
		return &Error{}
	}
	return nil
}

// Decode parses one envelope. Every failure wraps ErrMalformedEnvelope.
func Decode(data []byte) (Message, error) {
	var raw envelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	message := newMessage(raw.Type)
	if message == nil {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, raw.Type)
	}
	payload := bytes.TrimSpace(raw.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	if payload[0] != '{' {
		return nil, fmt.Errorf("%w: %s payload must be an object", ErrMalformedEnvelope, raw.Type)
	}
	if err := json.Unmarshal(payload, message); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, raw.Type, err)
	}
	if err := message.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, raw.Type, err)
	}
	return message, nil
}

// Encode produces the envelope for message. A message that would fail
// Decode on the other side is rejected here.
func Encode(message Message) ([]byte, error) {
	if err := message.validate(); err != nil {
		return nil, fmt.Errorf("wire: encoding %s: %w", message.Type(), err)
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s payload: %w", message.Type(), err)
	}
	return json.Marshal(envelope{Type: message.Type(), Payload: payload})
}

// PeekType returns the envelope type without validating the payload.
// Sessions use it to label metrics for envelopes that fail Decode.
func PeekType(data []byte) Type {
	var header struct {
		Type Type `json:"type"`
	}
	if json.Unmarshal(data, &header) != nil {
		return ""
	}
	return header.Type
}
