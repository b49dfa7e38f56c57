// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/fleetlink/lib/metrics"
)

// DefaultSLAMQueue is the frame queue depth of a SLAM subscriber.
const DefaultSLAMQueue = 8

// Observation is what a processor learned from one frame.
type Observation struct {
	Width  int
	Height int
}

// Processor consumes video frames for localization and mapping.
type Processor interface {
	ProcessFrame(frame LiveFrame) (Observation, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(frame LiveFrame) (Observation, error)

func (f ProcessorFunc) ProcessFrame(frame LiveFrame) (Observation, error) { return f(frame) }

// GeometryProcessor is the built-in SLAM stand-in. It decodes each
// frame's JPEG header and reports its dimensions.
type GeometryProcessor struct{}

func (GeometryProcessor) ProcessFrame(frame LiveFrame) (Observation, error) {
	config, err := jpeg.DecodeConfig(bytes.NewReader(frame.Data))
	if err != nil {
		return Observation{}, fmt.Errorf("decoding frame %d header: %w", frame.Sequence, err)
	}
	return Observation{Width: config.Width, Height: config.Height}, nil
}

// SLAMStatus is the subscriber's view in stream status.
type SLAMStatus struct {
	Enabled   bool   `json:"enabled" cbor:"enabled"`
	Processed int    `json:"processed" cbor:"processed"`
	Dropped   int    `json:"dropped" cbor:"dropped"`
	Errors    int    `json:"errors" cbor:"errors"`
	Crashed   bool   `json:"crashed,omitempty" cbor:"crashed,omitempty"`
	LastError string `json:"last_error,omitempty" cbor:"last_error,omitempty"`
	Width     int    `json:"width,omitempty" cbor:"width,omitempty"`
	Height    int    `json:"height,omitempty" cbor:"height,omitempty"`
}

// subscriber feeds a Processor from a bounded queue on its own
// goroutine. Offer never blocks: a full queue drops the frame. A panic
// in the processor stops the subscriber and is reported in status.
type subscriber struct {
	processor Processor
	queue     chan LiveFrame
	stopped   chan struct{}
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mutex    sync.Mutex
	status   SLAMStatus
	stopOnce sync.Once
}

func newSubscriber(processor Processor, depth int, m *metrics.Metrics, logger *slog.Logger) *subscriber {
	if depth <= 0 {
		depth = DefaultSLAMQueue
	}
	s := &subscriber{
		processor: processor,
		queue:     make(chan LiveFrame, depth),
		stopped:   make(chan struct{}),
		metrics:   m,
		logger:    logger,
		status:    SLAMStatus{Enabled: true},
	}
	go s.run()
	return s
}

func (s *subscriber) offer(frame LiveFrame) {
	select {
	case <-s.stopped:
		return
	default:
	}
	select {
	case s.queue <- frame:
	default:
		s.mutex.Lock()
		s.status.Dropped++
		s.mutex.Unlock()
		s.metrics.SubscriberFailed("dropped")
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *subscriber) snapshot() SLAMStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.status
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.stopped:
			return
		case frame := <-s.queue:
			if !s.process(frame) {
				s.stop()
				return
			}
		}
	}
}

// process runs one frame and reports false if the processor panicked.
func (s *subscriber) process(frame LiveFrame) (healthy bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.mutex.Lock()
			s.status.Crashed = true
			s.status.LastError = fmt.Sprintf("panic: %v", recovered)
			s.mutex.Unlock()
			s.metrics.SubscriberFailed("panic")
			s.logger.Error("slam processor panicked",
				"sequence", frame.Sequence,
				"panic", recovered,
			)
			healthy = false
		}
	}()

	observation, err := s.processor.ProcessFrame(frame)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err != nil {
		s.status.Errors++
		s.status.LastError = err.Error()
		s.metrics.SubscriberFailed("error")
		return true
	}
	s.status.Processed++
	if observation.Width > 0 {
		s.status.Width = observation.Width
		s.status.Height = observation.Height
	}
	return true
}
