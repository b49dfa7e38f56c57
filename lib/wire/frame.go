// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Frame decoding errors.
var (
	// ErrTruncatedFrame means the message is shorter than the minimum
	// header or the stream id terminator was not found within
	// MaxStreamIDLength bytes.
	ErrTruncatedFrame = errors.New("wire: truncated frame")

	// ErrInvalidFrame means the header is complete but unusable: an
	// unknown prefix or a stream id that is not UTF-8.
	ErrInvalidFrame = errors.New("wire: invalid frame")
)

// FrameKind is the 4-byte ASCII prefix of a binary frame.
type FrameKind string

// Frame kinds.
const (
	KindImage FrameKind = "IMG:"
	KindVideo FrameKind = "VID:"
)

// MediaType returns the MediaAck media_type for frames of this kind.
func (k FrameKind) MediaType() string {
	if k == KindImage {
		return MediaImage
	}
	return MediaVideoFrame
}

const (
	prefixLength   = 4
	sequenceLength = 4

	// MinFrameLength is a prefix, a sequence, and an empty stream id's
	// terminator.
	MinFrameLength = prefixLength + sequenceLength + 1

	// MaxStreamIDLength bounds the terminator scan.
	MaxStreamIDLength = 256
)

// Frame is one binary media message.
type Frame struct {
	Kind     FrameKind
	Sequence uint32
	StreamID string
	Payload  []byte
}

// DecodeFrame parses one binary transport message. Payload aliases
// data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < MinFrameLength {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncatedFrame, len(data), MinFrameLength)
	}

	kind := FrameKind(data[:prefixLength])
	if kind != KindImage && kind != KindVideo {
		return Frame{}, fmt.Errorf("%w: unknown prefix %q", ErrInvalidFrame, data[:prefixLength])
	}
	sequence := binary.BigEndian.Uint32(data[prefixLength : prefixLength+sequenceLength])

	header := prefixLength + sequenceLength
	window := data[header:]
	if len(window) > MaxStreamIDLength+1 {
		window = window[:MaxStreamIDLength+1]
	}
	terminator := bytes.IndexByte(window, 0)
	if terminator < 0 {
		return Frame{}, fmt.Errorf("%w: no stream id terminator within %d bytes", ErrTruncatedFrame, len(window))
	}
	streamID := window[:terminator]
	if !utf8.Valid(streamID) {
		return Frame{}, fmt.Errorf("%w: stream id is not UTF-8", ErrInvalidFrame)
	}

	return Frame{
		Kind:     kind,
		Sequence: sequence,
		StreamID: string(streamID),
		Payload:  data[header+terminator+1:],
	}, nil
}

// EncodeFrame lays out frame for a single binary transport message.
func EncodeFrame(frame Frame) ([]byte, error) {
	if frame.Kind != KindImage && frame.Kind != KindVideo {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFrame, frame.Kind)
	}
	if len(frame.StreamID) > MaxStreamIDLength {
		return nil, fmt.Errorf("%w: stream id is %d bytes, limit %d", ErrInvalidFrame, len(frame.StreamID), MaxStreamIDLength)
	}
	if !utf8.ValidString(frame.StreamID) || strings.IndexByte(frame.StreamID, 0) >= 0 {
		return nil, fmt.Errorf("%w: stream id must be UTF-8 without NUL", ErrInvalidFrame)
	}

	buffer := make([]byte, 0, MinFrameLength+len(frame.StreamID)+len(frame.Payload))
	buffer = append(buffer, frame.Kind...)
	buffer = binary.BigEndian.AppendUint32(buffer, frame.Sequence)
	buffer = append(buffer, frame.StreamID...)
	buffer = append(buffer, 0)
	buffer = append(buffer, frame.Payload...)
	return buffer, nil
}
