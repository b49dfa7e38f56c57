// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/catalog"
	"github.com/bureau-foundation/fleetlink/lib/codec"
	"github.com/bureau-foundation/fleetlink/lib/dispatch"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/registry"
	"github.com/bureau-foundation/fleetlink/lib/service"
	"github.com/bureau-foundation/fleetlink/lib/version"
)

// registerActions binds the operator protocol to the control plane.
func (c *controller) registerActions(server *service.Server) {
	server.Handle("status", c.handleStatus)
	server.Handle("list-clients", c.handleListClients)
	server.Handle("show-client", c.handleShowClient)
	server.Handle("send-command", c.handleSendCommand)
	server.Handle("list-commands", c.handleListCommands)
	server.Handle("start-stream", c.handleStartStream)
	server.Handle("stop-stream", c.handleStopStream)
	server.Handle("set-recording", c.handleSetRecording)
	server.Handle("set-slam", c.handleSetSLAM)
	server.Handle("stream-status", c.handleStreamStatus)
	server.Handle("list-streams", c.handleListStreams)
	server.Handle("list-images", c.handleListImages)
	server.Handle("list-recordings", c.handleListRecordings)
}

type statusResponse struct {
	Version         string `cbor:"version"`
	UptimeSeconds   int    `cbor:"uptime_seconds"`
	Clients         int    `cbor:"clients"`
	Streams         int    `cbor:"streams"`
	PendingCommands int    `cbor:"pending_commands"`
	Listen          string `cbor:"listen"`
}

func (c *controller) handleStatus(ctx context.Context, raw []byte) (any, error) {
	return statusResponse{
		Version:         version.Info(),
		UptimeSeconds:   int(c.clock.Now().Sub(c.startedAt).Seconds()),
		Clients:         len(c.plane.ListClients()),
		Streams:         len(c.plane.ListStreams("")),
		PendingCommands: len(c.plane.PendingCommands()),
		Listen:          c.config.Listen,
	}, nil
}

// clientRequest is the shared shape of actions addressing one client
// and, optionally, one of its streams.
type clientRequest struct {
	ClientID string `cbor:"client_id"`
	StreamID string `cbor:"stream_id"`
}

func decodeClientRequest(raw []byte, needStream bool) (clientRequest, error) {
	var request clientRequest
	if err := service.DecodeRequest(raw, &request); err != nil {
		return request, err
	}
	if request.ClientID == "" {
		return request, errors.New("missing required field: client_id")
	}
	if needStream && request.StreamID == "" {
		return request, errors.New("missing required field: stream_id")
	}
	return request, nil
}

func (c *controller) handleListClients(ctx context.Context, raw []byte) (any, error) {
	return c.plane.ListClients(), nil
}

func (c *controller) handleShowClient(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeClientRequest(raw, false)
	if err != nil {
		return nil, err
	}
	client, err := c.plane.LookupClient(request.ClientID)
	if err != nil {
		return nil, err
	}
	return clientDetail{
		Client:  client,
		Streams: c.plane.ListStreams(request.ClientID),
	}, nil
}

type clientDetail struct {
	Client  registry.Client `cbor:"client"`
	Streams []media.Status  `cbor:"streams"`
}

type sendCommandRequest struct {
	ClientID string         `cbor:"client_id"`
	Command  string         `cbor:"command"`
	Params   map[string]any `cbor:"params"`
	Timeout  codec.Duration `cbor:"timeout"`
}

// commandResult carries a dispatch.Result with the agent's JSON data
// decoded, so CBOR callers see structure rather than JSON text.
type commandResult struct {
	CommandID    string `cbor:"command_id"`
	Status       string `cbor:"status"`
	Data         any    `cbor:"data,omitempty"`
	ErrorMessage string `cbor:"error_message,omitempty"`
}

func newCommandResult(result dispatch.Result) commandResult {
	converted := commandResult{
		CommandID:    result.CommandID,
		Status:       result.Status,
		ErrorMessage: result.ErrorMessage,
	}
	if len(result.Data) > 0 {
		var data any
		if err := json.Unmarshal(result.Data, &data); err == nil {
			converted.Data = data
		} else {
			converted.Data = string(result.Data)
		}
	}
	return converted
}

func (c *controller) handleSendCommand(ctx context.Context, raw []byte) (any, error) {
	var request sendCommandRequest
	if err := service.DecodeRequest(raw, &request); err != nil {
		return nil, err
	}
	if request.ClientID == "" || request.Command == "" {
		return nil, errors.New("missing required fields: client_id and command")
	}
	var params any
	if len(request.Params) > 0 {
		params = request.Params
	}
	result, err := c.plane.SendCommand(ctx, request.ClientID, request.Command, params, time.Duration(request.Timeout))
	if err != nil {
		return nil, err
	}
	return newCommandResult(result), nil
}

func (c *controller) handleListCommands(ctx context.Context, raw []byte) (any, error) {
	return c.plane.PendingCommands(), nil
}

type startStreamRequest struct {
	ClientID string `cbor:"client_id"`
	media.Params
}

func (c *controller) handleStartStream(ctx context.Context, raw []byte) (any, error) {
	var request startStreamRequest
	if err := service.DecodeRequest(raw, &request); err != nil {
		return nil, err
	}
	if request.ClientID == "" {
		return nil, errors.New("missing required field: client_id")
	}
	return c.plane.StartStream(ctx, request.ClientID, request.Params)
}

func (c *controller) handleStopStream(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeClientRequest(raw, true)
	if err != nil {
		return nil, err
	}
	return c.plane.StopStream(request.ClientID, request.StreamID)
}

type toggleRequest struct {
	ClientID string `cbor:"client_id"`
	StreamID string `cbor:"stream_id"`
	On       bool   `cbor:"on"`
}

func decodeToggle(raw []byte) (toggleRequest, error) {
	var request toggleRequest
	if err := service.DecodeRequest(raw, &request); err != nil {
		return request, err
	}
	if request.ClientID == "" || request.StreamID == "" {
		return request, errors.New("missing required fields: client_id and stream_id")
	}
	return request, nil
}

func (c *controller) handleSetRecording(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeToggle(raw)
	if err != nil {
		return nil, err
	}
	return c.plane.SetRecording(request.ClientID, request.StreamID, request.On)
}

func (c *controller) handleSetSLAM(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeToggle(raw)
	if err != nil {
		return nil, err
	}
	return c.plane.SetSLAM(request.ClientID, request.StreamID, request.On)
}

func (c *controller) handleStreamStatus(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeClientRequest(raw, true)
	if err != nil {
		return nil, err
	}
	return c.plane.StreamStatus(request.ClientID, request.StreamID)
}

func (c *controller) handleListStreams(ctx context.Context, raw []byte) (any, error) {
	var request clientRequest
	if err := service.DecodeRequest(raw, &request); err != nil {
		return nil, err
	}
	return c.plane.ListStreams(request.ClientID), nil
}

type listMediaRequest struct {
	ClientID string `cbor:"client_id"`
	Limit    int    `cbor:"limit"`
}

func (c *controller) handleListImages(ctx context.Context, raw []byte) (any, error) {
	var request listMediaRequest
	if err := service.DecodeRequest(raw, &request); err != nil {
		return nil, err
	}
	images, err := c.catalog.ListImages(ctx, request.ClientID, request.Limit)
	if err != nil {
		return nil, err
	}
	if images == nil {
		images = []catalog.Image{}
	}
	return images, nil
}

func (c *controller) handleListRecordings(ctx context.Context, raw []byte) (any, error) {
	var request listMediaRequest
	if err := service.DecodeRequest(raw, &request); err != nil {
		return nil, err
	}
	recordings, err := c.catalog.ListRecordings(ctx, request.ClientID, request.Limit)
	if err != nil {
		return nil, err
	}
	if recordings == nil {
		recordings = []catalog.Recording{}
	}
	return recordings, nil
}
