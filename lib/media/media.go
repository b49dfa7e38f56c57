// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package media ingests binary frames from agents and owns the stream
// table.
//
// A video stream exists from Start until Stop, the owning client's
// disconnect, or the idle sweep. Every accepted video frame goes into
// the stream's live ring; while recording it is also appended to the
// stream's [Recorder]. Single-shot captures (IMG frames) are handed to
// the [ImageSink] and never touch the ring.
//
// Frames are accepted only from the client that created the stream and
// only in strictly increasing sequence order. Rejected frames return
// [ErrUnauthorizedStreamFrame] or [ErrDuplicateStreamFrame]; the
// session counts them and keeps the connection.
package media

import (
	"errors"
	"time"
)

// Errors returned by the stream manager.
var (
	ErrDuplicateStreamFrame    = errors.New("media: frame sequence is not newer than the stream's high-water mark")
	ErrUnauthorizedStreamFrame = errors.New("media: frame for a stream the client does not own")
	ErrUnknownStream           = errors.New("media: unknown stream")
	ErrStreamExists            = errors.New("media: stream already exists")
	ErrInvalidParams           = errors.New("media: invalid stream parameters")
	ErrRecordingUnavailable    = errors.New("media: no recording sink configured")
	ErrStreamClosed            = errors.New("media: stream closed")
	ErrImageStore              = errors.New("media: storing image failed")
)

// Image is one single-shot capture on its way to durable storage.
type Image struct {
	ClientID   string
	StreamID   string
	Sequence   uint32
	Format     string
	Data       []byte
	CapturedAt time.Time
}

// ImageSink stores single-shot captures. StoreImage returns where the
// image went.
type ImageSink interface {
	StoreImage(image Image) (string, error)
}

// RecordingInfo describes a recording about to be opened.
type RecordingInfo struct {
	ClientID  string
	StreamID  string
	Width     int
	Height    int
	FPS       int
	StartedAt time.Time
}

// RecordingSink opens recording targets.
type RecordingSink interface {
	OpenRecording(info RecordingInfo) (Recorder, error)
}

// Recorder is an open recording target. Calls are serialized by the
// owning stream.
type Recorder interface {
	WriteFrame(jpeg []byte) error

	// Finish finalizes the target. failed reports whether the
	// recording ended because of a write error.
	Finish(failed bool) error

	Path() string
}

// DetectFormat names the image encoding of data by its magic bytes.
func DetectFormat(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "jpg"
	case len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return "png"
	}
	return "bin"
}
