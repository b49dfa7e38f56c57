// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bureau-foundation/fleetlink/lib/metrics"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// Ingest accepts one decoded frame from clientID. A nil error means
// the frame was accepted and should be acknowledged with media_ack.
func (m *Manager) Ingest(clientID string, frame wire.Frame) error {
	var err error
	switch frame.Kind {
	case wire.KindVideo:
		err = m.ingestVideo(clientID, frame)
	case wire.KindImage:
		err = m.ingestImage(clientID, frame)
	default:
		err = fmt.Errorf("%w: kind %q", wire.ErrInvalidFrame, frame.Kind)
	}
	m.metrics.FrameReceived(frame.Kind.MediaType(), frameResult(err), len(frame.Payload))
	return err
}

func frameResult(err error) string {
	switch {
	case err == nil:
		return metrics.FrameAccepted
	case errors.Is(err, ErrDuplicateStreamFrame):
		return metrics.FrameDuplicate
	case errors.Is(err, ErrUnauthorizedStreamFrame):
		return metrics.FrameUnauthorized
	case errors.Is(err, ErrImageStore):
		return metrics.FrameStoreFailed
	}
	return metrics.FrameMalformed
}

func (m *Manager) ingestVideo(clientID string, frame wire.Frame) error {
	m.mutex.Lock()
	s, ok := m.streams[streamKey{clientID: clientID, streamID: frame.StreamID}]
	m.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %q was not started by %s",
			ErrUnauthorizedStreamFrame, frame.StreamID, clientID)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return fmt.Errorf("%w: stream %q stopped", ErrUnauthorizedStreamFrame, frame.StreamID)
	}
	if s.hasFrames && frame.Sequence <= s.highWaterMark {
		s.duplicates++
		return fmt.Errorf("%w: stream %q sequence %d, high-water mark %d",
			ErrDuplicateStreamFrame, frame.StreamID, frame.Sequence, s.highWaterMark)
	}

	now := m.clock.Now()
	data := bytes.Clone(frame.Payload)
	s.hasFrames = true
	s.highWaterMark = frame.Sequence
	s.frameCount++
	s.lastFrameAt = now
	s.ring.Write(frame.Sequence, data, now)

	if s.recorder != nil {
		if err := s.recorder.WriteFrame(data); err != nil {
			m.failRecordingLocked(s, err)
		} else {
			s.recordedFrames++
		}
	}
	if s.slam != nil {
		s.slam.offer(LiveFrame{Offset: s.ring.CurrentOffset(), Sequence: frame.Sequence, Data: data, ReceivedAt: now})
	}
	return nil
}

// failRecordingLocked downgrades the stream to not recording after a
// write error. The live feed is unaffected.
func (m *Manager) failRecordingLocked(s *stream, cause error) {
	s.recordingFailed = true
	s.recordingError = cause.Error()
	m.metrics.RecordingFailed()
	m.logger.Error("recording write failed, recording stopped",
		"client_id", s.clientID,
		"stream_id", s.id,
		"path", s.recordingPath,
		"frames", s.recordedFrames,
		"error", cause,
	)
	if err := m.finishRecordingLocked(s, true); err != nil {
		m.logger.Warn("finalizing failed recording", "stream_id", s.id, "error", err)
	}
}

// ingestImage stores a single-shot capture. The capture lives in an
// implicit stream that closes once its frame is stored, so there is
// nothing to add to the stream table. Ordering is per client.
func (m *Manager) ingestImage(clientID string, frame wire.Frame) error {
	m.mutex.Lock()
	state, seen := m.captures[clientID]
	if seen && state.marked && frame.Sequence <= state.highWaterMark {
		mark := state.highWaterMark
		m.mutex.Unlock()
		return fmt.Errorf("%w: capture sequence %d, high-water mark %d",
			ErrDuplicateStreamFrame, frame.Sequence, mark)
	}
	m.mutex.Unlock()

	if m.images == nil {
		return fmt.Errorf("%w: no image sink configured", ErrImageStore)
	}
	streamID := frame.StreamID
	if streamID == "" {
		streamID = fmt.Sprintf("capture-%s-%d", clientID, frame.Sequence)
	}
	now := m.clock.Now()
	image := Image{
		ClientID:   clientID,
		StreamID:   streamID,
		Sequence:   frame.Sequence,
		Format:     DetectFormat(frame.Payload),
		Data:       frame.Payload,
		CapturedAt: now,
	}
	path, err := m.images.StoreImage(image)
	if err != nil {
		return fmt.Errorf("%w: %s sequence %d: %w", ErrImageStore, clientID, frame.Sequence, err)
	}

	m.mutex.Lock()
	state, seen = m.captures[clientID]
	if !seen {
		state = &captureState{}
		m.captures[clientID] = state
	}
	if !state.marked || frame.Sequence > state.highWaterMark {
		state.highWaterMark = frame.Sequence
		state.marked = true
	}
	state.count++
	state.last = Capture{
		StreamID:   streamID,
		Sequence:   frame.Sequence,
		Format:     image.Format,
		Bytes:      len(frame.Payload),
		Path:       path,
		CapturedAt: now,
	}
	m.mutex.Unlock()

	m.logger.Info("image stored",
		"client_id", clientID,
		"stream_id", streamID,
		"sequence", frame.Sequence,
		"path", path,
		"bytes", len(frame.Payload),
	)
	return nil
}
