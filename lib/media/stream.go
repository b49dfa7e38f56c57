// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"fmt"
	"sync"
	"time"
)

// Kind distinguishes single-shot captures from video streams.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Recording states reported in status.
const (
	RecordingOff          = "off"
	RecordingActive       = "recording"
	StreamRecordingFailed = "recording_failed"
)

// Params are the start_video_stream parameters.
type Params struct {
	StreamID string `json:"stream_id" cbor:"stream_id"`
	FPS      int    `json:"fps,omitempty" cbor:"fps,omitempty"`
	Width    int    `json:"width,omitempty" cbor:"width,omitempty"`
	Height   int    `json:"height,omitempty" cbor:"height,omitempty"`
	Quality  int    `json:"quality,omitempty" cbor:"quality,omitempty"`
}

// WithDefaults fills zero fields with the agent defaults: 10 fps,
// 640x480, quality 70.
func (p Params) WithDefaults() Params {
	if p.FPS <= 0 {
		p.FPS = 10
	}
	if p.Width <= 0 {
		p.Width = 640
	}
	if p.Height <= 0 {
		p.Height = 480
	}
	if p.Quality <= 0 {
		p.Quality = 70
	}
	return p
}

// Validate checks the parameters after defaults are applied.
func (p Params) Validate() error {
	switch {
	case p.StreamID == "":
		return fmt.Errorf("%w: stream_id is required", ErrInvalidParams)
	case len(p.StreamID) > 256:
		return fmt.Errorf("%w: stream_id longer than 256 bytes", ErrInvalidParams)
	case p.FPS > 120:
		return fmt.Errorf("%w: fps %d above 120", ErrInvalidParams, p.FPS)
	case p.Quality > 100:
		return fmt.Errorf("%w: quality %d above 100", ErrInvalidParams, p.Quality)
	}
	return nil
}

// Status is a snapshot of one stream.
type Status struct {
	StreamID  string     `json:"stream_id" cbor:"stream_id"`
	ClientID  string     `json:"client_id" cbor:"client_id"`
	Kind      Kind       `json:"kind" cbor:"kind"`
	Active    bool       `json:"active" cbor:"active"`
	CreatedAt time.Time  `json:"created_at" cbor:"created_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty" cbor:"stopped_at,omitempty"`

	Width   int `json:"width" cbor:"width"`
	Height  int `json:"height" cbor:"height"`
	FPS     int `json:"fps" cbor:"fps"`
	Quality int `json:"quality" cbor:"quality"`

	FrameCount       int        `json:"frame_count" cbor:"frame_count"`
	DuplicateFrames  int        `json:"duplicate_frames" cbor:"duplicate_frames"`
	HighWaterMark    *uint32    `json:"high_water_mark,omitempty" cbor:"high_water_mark,omitempty"`
	LastFrameAt      *time.Time `json:"last_frame_at,omitempty" cbor:"last_frame_at,omitempty"`
	LiveFramesBuffer int        `json:"live_frames_buffered" cbor:"live_frames_buffered"`

	Recording       bool   `json:"recording" cbor:"recording"`
	RecordingState  string `json:"recording_state" cbor:"recording_state"`
	RecordingPath   string `json:"recording_path,omitempty" cbor:"recording_path,omitempty"`
	RecordedFrames  int    `json:"recorded_frames" cbor:"recorded_frames"`
	RecordingError  string `json:"recording_error,omitempty" cbor:"recording_error,omitempty"`
	ClientState     string `json:"client_state,omitempty" cbor:"client_state,omitempty"`
	ClientStateNote string `json:"client_state_reason,omitempty" cbor:"client_state_reason,omitempty"`

	SLAM *SLAMStatus `json:"slam,omitempty" cbor:"slam,omitempty"`

	// StopError is set on the snapshot returned by Stop when the
	// recording could not be finalized cleanly.
	StopError string `json:"stop_error,omitempty" cbor:"stop_error,omitempty"`
}

// stream is one entry of the stream table. Everything below mutex is
// written only under it, including the recorder.
type stream struct {
	id        string
	clientID  string
	kind      Kind
	createdAt time.Time
	ring      *Ring

	mutex           sync.Mutex
	params          Params
	stopped         bool
	stoppedAt       time.Time
	hasFrames       bool
	highWaterMark   uint32
	frameCount      int
	duplicates      int
	lastFrameAt     time.Time
	recorder        Recorder
	recordingPath   string
	recordedFrames  int
	recordingFailed bool
	recordingError  string
	clientState     string
	clientReason    string
	slam            *subscriber
	lastSLAM        *SLAMStatus
}

// idleSince is when the stream last showed activity. Caller holds mutex.
func (s *stream) idleSince() time.Time {
	if s.hasFrames {
		return s.lastFrameAt
	}
	return s.createdAt
}

// statusLocked snapshots the stream. Caller holds mutex.
func (s *stream) statusLocked() Status {
	status := Status{
		StreamID:         s.id,
		ClientID:         s.clientID,
		Kind:             s.kind,
		Active:           !s.stopped,
		CreatedAt:        s.createdAt,
		Width:            s.params.Width,
		Height:           s.params.Height,
		FPS:              s.params.FPS,
		Quality:          s.params.Quality,
		FrameCount:       s.frameCount,
		DuplicateFrames:  s.duplicates,
		LiveFramesBuffer: s.ring.Len(),
		Recording:        s.recorder != nil,
		RecordingState:   RecordingOff,
		RecordingPath:    s.recordingPath,
		RecordedFrames:   s.recordedFrames,
		RecordingError:   s.recordingError,
		ClientState:      s.clientState,
		ClientStateNote:  s.clientReason,
	}
	switch {
	case s.recorder != nil:
		status.RecordingState = RecordingActive
	case s.recordingFailed:
		status.RecordingState = StreamRecordingFailed
	}
	if s.stopped {
		stoppedAt := s.stoppedAt
		status.StoppedAt = &stoppedAt
	}
	if s.hasFrames {
		mark := s.highWaterMark
		last := s.lastFrameAt
		status.HighWaterMark = &mark
		status.LastFrameAt = &last
	}
	if s.slam != nil {
		slam := s.slam.snapshot()
		status.SLAM = &slam
	} else if s.lastSLAM != nil {
		slam := *s.lastSLAM
		status.SLAM = &slam
	}
	return status
}
