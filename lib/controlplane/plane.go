// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package controlplane is the operator-facing surface of the
// controller. A [Plane] composes the client registry, the command
// dispatcher and the stream manager, and it is the only thing the
// operator socket and the HTTP API call into.
//
// Reads (ListClients, LookupClient, StreamStatus, ListStreams) are
// snapshots. Mutators either settle locally (SetRecording, SetSLAM) or
// round-trip to the agent (SendCommand, StartStream, StopStream).
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bureau-foundation/fleetlink/lib/dispatch"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/registry"
)

// Agent actions the plane issues on its own.
const (
	ActionStartVideoStream = "start_video_stream"
	ActionStopVideoStream  = "stop_video_stream"
	ActionCaptureImage     = "capture_image"
	ActionSpeakText        = "speak_text"
)

// ErrClientNotFound is returned for reads and mutators naming a client
// the registry does not hold.
var ErrClientNotFound = errors.New("controlplane: client not found")

// Config configures a Plane. Registry, Dispatcher and Media are
// required.
type Config struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Media      *media.Manager

	// StreamCommandTimeout bounds the start and stop commands. Zero
	// means the dispatcher's default.
	StreamCommandTimeout time.Duration

	Logger *slog.Logger
}

// Plane is safe for concurrent use.
type Plane struct {
	registry      *registry.Registry
	dispatcher    *dispatch.Dispatcher
	media         *media.Manager
	streamTimeout time.Duration
	logger        *slog.Logger
}

// New returns a Plane. It panics if a required field is nil.
func New(config Config) *Plane {
	if config.Registry == nil || config.Dispatcher == nil || config.Media == nil {
		panic("controlplane: Config.Registry, Dispatcher and Media are required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Plane{
		registry:      config.Registry,
		dispatcher:    config.Dispatcher,
		media:         config.Media,
		streamTimeout: config.StreamCommandTimeout,
		logger:        config.Logger,
	}
}

// ListClients returns every registered client sorted by id.
func (p *Plane) ListClients() []registry.Client {
	return p.registry.List()
}

// LookupClient returns one client.
func (p *Plane) LookupClient(clientID string) (registry.Client, error) {
	client, ok := p.registry.Lookup(clientID)
	if !ok {
		return registry.Client{}, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return client, nil
}

// SendCommand issues action to clientID and waits for the response.
// A timeout of zero uses the dispatcher default. When ctx ends first
// the command stays pending until its own deadline.
func (p *Plane) SendCommand(ctx context.Context, clientID, action string, params any, timeout time.Duration) (dispatch.Result, error) {
	call, err := p.dispatcher.Send(clientID, action, params, timeout)
	if err != nil {
		return dispatch.Result{}, err
	}
	return call.Wait(ctx)
}

// StartStream creates a stream for clientID and asks the agent to
// start it. A missing StreamID is generated. If the command fails or
// times out the stream is removed again, and the command error is
// returned.
func (p *Plane) StartStream(ctx context.Context, clientID string, params media.Params) (media.Status, error) {
	if _, err := p.LookupClient(clientID); err != nil {
		return media.Status{}, err
	}
	if params.StreamID == "" {
		params.StreamID = "stream-" + strings.ToLower(ulid.Make().String())
	}
	params = params.WithDefaults()

	streamID, err := p.media.Start(clientID, params)
	if err != nil {
		return media.Status{}, err
	}
	logger := p.logger.With("client_id", clientID, "stream_id", streamID)

	if _, err := p.SendCommand(ctx, clientID, ActionStartVideoStream, params, p.streamTimeout); err != nil {
		if _, stopErr := p.media.Stop(clientID, streamID); stopErr != nil && !errors.Is(stopErr, media.ErrUnknownStream) {
			logger.Warn("removing stream after failed start", "error", stopErr)
		}
		logger.Warn("agent did not start stream", "error", err)
		return media.Status{}, fmt.Errorf("starting stream %s on %s: %w", streamID, clientID, err)
	}
	logger.Info("stream started", "fps", params.FPS, "width", params.Width, "height", params.Height)
	return p.media.Status(clientID, streamID)
}

// StopStream stops the stream locally, finalizing any recording, and
// then tells the agent to stop sending. The agent command is best
// effort: its outcome is logged, not returned.
func (p *Plane) StopStream(clientID, streamID string) (media.Status, error) {
	status, err := p.media.Stop(clientID, streamID)
	if errors.Is(err, media.ErrUnknownStream) {
		return status, err
	}

	logger := p.logger.With("client_id", clientID, "stream_id", streamID)
	call, sendErr := p.dispatcher.Send(clientID, ActionStopVideoStream, map[string]string{"stream_id": streamID}, p.streamTimeout)
	if sendErr != nil {
		logger.Debug("stop_video_stream not sent", "error", sendErr)
	} else {
		go func() {
			<-call.Done()
			if _, err := call.Outcome(); err != nil {
				logger.Debug("stop_video_stream not confirmed", "command_id", call.ID, "error", err)
			}
		}()
	}
	logger.Info("stream stopped", "frames", status.FrameCount, "recorded_frames", status.RecordedFrames)
	return status, err
}

// SetRecording turns recording on or off for a stream.
func (p *Plane) SetRecording(clientID, streamID string, on bool) (media.Status, error) {
	return p.media.SetRecording(clientID, streamID, on)
}

// SetSLAM attaches or detaches the SLAM processor for a stream.
func (p *Plane) SetSLAM(clientID, streamID string, on bool) (media.Status, error) {
	return p.media.SetSLAM(clientID, streamID, on)
}

// StreamStatus returns one stream's snapshot.
func (p *Plane) StreamStatus(clientID, streamID string) (media.Status, error) {
	return p.media.Status(clientID, streamID)
}

// ListStreams returns the streams of clientID, or all streams when
// clientID is empty.
func (p *Plane) ListStreams(clientID string) []media.Status {
	return p.media.List(clientID)
}

// LastCapture returns the newest single-shot image from clientID.
func (p *Plane) LastCapture(clientID string) (media.Capture, bool) {
	return p.media.LastCapture(clientID)
}

// Live returns the live ring of a stream for viewers.
func (p *Plane) Live(clientID, streamID string) (*media.Ring, error) {
	return p.media.Live(clientID, streamID)
}

// PendingCommands lists unsettled commands.
func (p *Plane) PendingCommands() []dispatch.PendingCommand {
	return p.dispatcher.PendingCommands()
}
