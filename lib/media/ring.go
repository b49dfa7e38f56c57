// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"sync"
	"time"
)

// DefaultLiveFrames is the live ring capacity when none is configured.
const DefaultLiveFrames = 30

// LiveFrame is one video frame held for live viewers.
type LiveFrame struct {
	// Offset counts frames ever written to the ring, starting at 1.
	Offset     uint64
	Sequence   uint32
	Data       []byte
	ReceivedAt time.Time
}

// Ring keeps the most recent frames of a stream. Viewers track the
// offset of the last frame they saw and ask for anything newer; a
// viewer that falls behind by more than the capacity resumes from the
// oldest retained frame.
//
// All methods are safe for concurrent use.
type Ring struct {
	mutex    sync.Mutex
	frames   []LiveFrame
	capacity int
	// writePosition is the next slot to fill (0 to capacity-1).
	writePosition int
	totalWritten  uint64
	// changed is closed and replaced on every write and on close.
	changed chan struct{}
	closed  bool
}

// NewRing returns a ring holding up to capacity frames.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultLiveFrames
	}
	return &Ring{
		frames:   make([]LiveFrame, capacity),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Write appends a frame, overwriting the oldest when full. The ring
// keeps data; callers must not modify it afterwards.
func (ring *Ring) Write(sequence uint32, data []byte, receivedAt time.Time) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	if ring.closed {
		return
	}
	ring.totalWritten++
	ring.frames[ring.writePosition] = LiveFrame{
		Offset:     ring.totalWritten,
		Sequence:   sequence,
		Data:       data,
		ReceivedAt: receivedAt,
	}
	ring.writePosition = (ring.writePosition + 1) % ring.capacity
	close(ring.changed)
	ring.changed = make(chan struct{})
}

// Latest returns the newest frame.
func (ring *Ring) Latest() (LiveFrame, bool) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	if ring.totalWritten == 0 {
		return LiveFrame{}, false
	}
	return ring.frames[(ring.writePosition-1+ring.capacity)%ring.capacity], true
}

// ReadFrom returns the retained frames with offsets greater than
// offset, oldest first.
func (ring *Ring) ReadFrom(offset uint64) []LiveFrame {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	if offset >= ring.totalWritten {
		return nil
	}
	stored := ring.totalWritten
	if stored > uint64(ring.capacity) {
		stored = uint64(ring.capacity)
	}
	oldest := ring.totalWritten - stored + 1
	if offset+1 < oldest {
		offset = oldest - 1
	}
	count := int(ring.totalWritten - offset)
	result := make([]LiveFrame, 0, count)
	start := (ring.writePosition - count + ring.capacity) % ring.capacity
	for i := range count {
		result = append(result, ring.frames[(start+i)%ring.capacity])
	}
	return result
}

// Len returns the number of retained frames.
func (ring *Ring) Len() int {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	if ring.totalWritten < uint64(ring.capacity) {
		return int(ring.totalWritten)
	}
	return ring.capacity
}

// CurrentOffset returns the number of frames ever written.
func (ring *Ring) CurrentOffset() uint64 {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.totalWritten
}

// Next blocks until a frame newer than offset exists and returns the
// newest one. Intermediate frames are skipped, which is what a viewer
// rendering at its own rate wants. Returns ErrStreamClosed once the
// stream stops and ctx.Err() if ctx ends first.
func (ring *Ring) Next(ctx context.Context, offset uint64) (LiveFrame, error) {
	for {
		ring.mutex.Lock()
		if ring.totalWritten > offset {
			frame := ring.frames[(ring.writePosition-1+ring.capacity)%ring.capacity]
			ring.mutex.Unlock()
			return frame, nil
		}
		if ring.closed {
			ring.mutex.Unlock()
			return LiveFrame{}, ErrStreamClosed
		}
		changed := ring.changed
		ring.mutex.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return LiveFrame{}, ctx.Err()
		}
	}
}

// Close wakes every waiting viewer. Retained frames stay readable.
func (ring *Ring) Close() {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	if ring.closed {
		return
	}
	ring.closed = true
	close(ring.changed)
}
