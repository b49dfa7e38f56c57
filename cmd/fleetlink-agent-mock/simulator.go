// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/agent"
	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// Still captures use a fixed size.
const (
	captureWidth   = 640
	captureHeight  = 480
	captureQuality = 85
)

// simulator answers commands on behalf of hardware that isn't there.
// Streams outlive the command that started them, so it tracks them
// itself.
type simulator struct {
	clock  clock.Clock
	logger *slog.Logger

	mutex   sync.Mutex
	streams map[string]context.CancelFunc
	running sync.WaitGroup
}

func newSimulator(c clock.Clock, logger *slog.Logger) *simulator {
	return &simulator{clock: c, logger: logger, streams: make(map[string]context.CancelFunc)}
}

func (s *simulator) handle(ctx context.Context, a *agent.Agent, command *wire.Command) error {
	logger := s.logger.With("command_id", command.CommandID, "action", command.Action)
	switch command.Action {
	case "speak_text":
		var params struct {
			Text string `json:"text"`
		}
		if err := decodeParams(command.Params, &params); err != nil {
			return err
		}
		if params.Text == "" {
			return errors.New("speak_text requires text")
		}
		logger.Info("speaking", "text", params.Text)
		return a.Respond(command.CommandID, map[string]any{"message": "spoken", "characters": len(params.Text)})

	case "capture_image":
		sequence := a.NextSequence()
		frame, err := syntheticFrame(captureWidth, captureHeight, captureQuality, sequence)
		if err != nil {
			return err
		}
		if err := a.Respond(command.CommandID, map[string]any{
			"message":  "image captured",
			"sequence": sequence,
			"format":   "jpg",
		}); err != nil {
			return err
		}
		logger.Info("sending capture", "sequence", sequence, "bytes", len(frame))
		return a.SendFrameSequence(wire.KindImage, sequence, "", frame)

	case "start_video_stream":
		var params media.Params
		if err := decodeParams(command.Params, &params); err != nil {
			return err
		}
		if params.StreamID == "" {
			return errors.New("start_video_stream requires stream_id")
		}
		params = params.WithDefaults()
		if err := s.startStream(ctx, a, params); err != nil {
			return err
		}
		return a.Respond(command.CommandID, map[string]any{"message": "stream started", "stream_id": params.StreamID})

	case "stop_video_stream":
		var params struct {
			StreamID string `json:"stream_id"`
		}
		if err := decodeParams(command.Params, &params); err != nil {
			return err
		}
		stopped := s.stopStream(params.StreamID)
		return a.Respond(command.CommandID, map[string]any{"message": "stream stopped", "stream_id": params.StreamID, "was_running": stopped})
	}
	return fmt.Errorf("unsupported action %q", command.Action)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (s *simulator) startStream(ctx context.Context, a *agent.Agent, params media.Params) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.streams[params.StreamID]; exists {
		return fmt.Errorf("stream %s is already running", params.StreamID)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.streams[params.StreamID] = cancel
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.stream(streamCtx, a, params)
	}()
	return nil
}

// stopStream reports whether the stream was running.
func (s *simulator) stopStream(streamID string) bool {
	s.mutex.Lock()
	cancel, ok := s.streams[streamID]
	delete(s.streams, streamID)
	s.mutex.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// stopAll stops every stream and waits for them to finish.
func (s *simulator) stopAll() {
	s.mutex.Lock()
	for id, cancel := range s.streams {
		cancel()
		delete(s.streams, id)
	}
	s.mutex.Unlock()
	s.running.Wait()
}

// stream sends frames at params.FPS until ctx ends or a send fails. A
// send failure is reported to the controller as error_on_client when
// the connection still allows it.
func (s *simulator) stream(ctx context.Context, a *agent.Agent, params media.Params) {
	logger := s.logger.With("stream_id", params.StreamID)
	err := a.SendStreamStatus(&wire.StreamStatus{
		StreamID: params.StreamID,
		Status:   wire.StreamStarted,
		Width:    params.Width,
		Height:   params.Height,
		FPS:      params.FPS,
	})
	if err != nil {
		logger.Warn("stream status not sent", "error", err)
	}

	ticker := s.clock.NewTicker(time.Second / time.Duration(params.FPS))
	defer ticker.Stop()
	var frames int
	for {
		select {
		case <-ctx.Done():
			logger.Info("stream stopped", "frames", frames)
			return
		case <-ticker.C:
		}
		frame, err := syntheticFrame(params.Width, params.Height, params.Quality, uint32(frames))
		if err == nil {
			_, err = a.SendFrame(wire.KindVideo, params.StreamID, frame)
		}
		if err != nil {
			logger.Warn("stream failed", "frames", frames, "error", err)
			s.stopStream(params.StreamID)
			a.SendStreamStatus(&wire.StreamStatus{StreamID: params.StreamID, Status: wire.StreamErrorOnClient, Reason: err.Error()})
			return
		}
		frames++
	}
}

// syntheticFrame renders a moving gradient so consecutive frames
// differ visibly in a live view.
func syntheticFrame(width, height, quality int, sequence uint32) ([]byte, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	shift := int(sequence * 8)
	for y := range height {
		for x := range width {
			canvas.Set(x, y, color.RGBA{
				R: uint8((x + shift) * 255 / max(width, 1)),
				G: uint8(y * 255 / max(height, 1)),
				B: uint8(sequence * 16),
				A: 0xFF,
			})
		}
	}
	var buffer bytes.Buffer
	if err := jpeg.Encode(&buffer, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return buffer.Bytes(), nil
}
