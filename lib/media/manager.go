// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/clock"
	"github.com/bureau-foundation/fleetlink/lib/metrics"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

// DefaultIdleTimeout stops video streams that receive no frames.
const DefaultIdleTimeout = 5 * time.Minute

// Config configures a Manager.
type Config struct {
	Clock clock.Clock

	// Images receives single-shot captures. Without one, IMG frames
	// fail with ErrImageStore.
	Images ImageSink

	// Recordings opens recording targets. Without one, SetRecording
	// fails with ErrRecordingUnavailable.
	Recordings RecordingSink

	// IdleTimeout defaults to DefaultIdleTimeout. Negative disables
	// the idle sweep.
	IdleTimeout time.Duration

	// LiveFrames is the per-stream live ring capacity.
	LiveFrames int

	// SLAMQueue is the per-stream SLAM subscriber queue depth.
	SLAMQueue int

	// NewProcessor builds the processor attached by SetSLAM. Defaults
	// to GeometryProcessor.
	NewProcessor func() Processor

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Capture describes the most recent single-shot image from a client.
type Capture struct {
	StreamID   string    `json:"stream_id" cbor:"stream_id"`
	Sequence   uint32    `json:"sequence" cbor:"sequence"`
	Format     string    `json:"format" cbor:"format"`
	Bytes      int       `json:"bytes" cbor:"bytes"`
	Path       string    `json:"path" cbor:"path"`
	CapturedAt time.Time `json:"captured_at" cbor:"captured_at"`
}

// streamKey identifies a stream. Stream ids are unique per client.
type streamKey struct {
	clientID string
	streamID string
}

type captureState struct {
	highWaterMark uint32
	marked        bool
	count         uint64
	last          Capture
}

// Manager owns the stream table.
type Manager struct {
	clock        clock.Clock
	images       ImageSink
	recordings   RecordingSink
	idleTimeout  time.Duration
	liveFrames   int
	slamQueue    int
	newProcessor func() Processor
	metrics      *metrics.Metrics
	logger       *slog.Logger

	// mutex guards the maps. Take it before any stream's mutex.
	mutex    sync.Mutex
	streams  map[streamKey]*stream
	captures map[string]*captureState
}

// NewManager returns an empty Manager.
func NewManager(config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.LiveFrames <= 0 {
		config.LiveFrames = DefaultLiveFrames
	}
	if config.NewProcessor == nil {
		config.NewProcessor = func() Processor { return GeometryProcessor{} }
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		clock:        config.Clock,
		images:       config.Images,
		recordings:   config.Recordings,
		idleTimeout:  config.IdleTimeout,
		liveFrames:   config.LiveFrames,
		slamQueue:    config.SLAMQueue,
		newProcessor: config.NewProcessor,
		metrics:      config.Metrics,
		logger:       config.Logger,
		streams:      make(map[streamKey]*stream),
		captures:     make(map[string]*captureState),
	}
}

// Start creates a video stream owned by clientID. The stream is not
// recording. Zero params take the agent defaults.
func (m *Manager) Start(clientID string, params Params) (string, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return "", err
	}
	now := m.clock.Now()

	key := streamKey{clientID: clientID, streamID: params.StreamID}
	m.mutex.Lock()
	if _, exists := m.streams[key]; exists {
		m.mutex.Unlock()
		return "", fmt.Errorf("%w: %s for client %s", ErrStreamExists, params.StreamID, clientID)
	}
	m.streams[key] = &stream{
		id:        params.StreamID,
		clientID:  clientID,
		kind:      KindVideo,
		createdAt: now,
		ring:      NewRing(m.liveFrames),
		params:    params,
	}
	active := len(m.streams)
	m.mutex.Unlock()

	m.metrics.SetActiveStreams(active)
	m.logger.Info("stream started",
		"client_id", clientID,
		"stream_id", params.StreamID,
		"width", params.Width,
		"height", params.Height,
		"fps", params.FPS,
	)
	return params.StreamID, nil
}

// Stop removes the stream and finalizes any open recording before
// returning the final status. A finalization error is returned along
// with the status; the stream is gone either way.
func (m *Manager) Stop(clientID, streamID string) (Status, error) {
	s, err := m.detach(clientID, streamID)
	if err != nil {
		return Status{}, err
	}
	return m.stop(s, "operator")
}

// SetRecording opens or finalizes the stream's recording. Turning on a
// recording that is already on, or off one that is off, changes
// nothing.
func (m *Manager) SetRecording(clientID, streamID string, on bool) (Status, error) {
	s, err := m.lookup(clientID, streamID)
	if err != nil {
		return Status{}, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}

	if !on {
		if s.recorder == nil {
			return s.statusLocked(), nil
		}
		err := m.finishRecordingLocked(s, false)
		return s.statusLocked(), err
	}

	if s.recorder != nil {
		return s.statusLocked(), nil
	}
	if m.recordings == nil {
		return Status{}, ErrRecordingUnavailable
	}
	recorder, err := m.recordings.OpenRecording(RecordingInfo{
		ClientID:  s.clientID,
		StreamID:  s.id,
		Width:     s.params.Width,
		Height:    s.params.Height,
		FPS:       s.params.FPS,
		StartedAt: m.clock.Now(),
	})
	if err != nil {
		return Status{}, fmt.Errorf("media: opening recording for %s: %w", streamID, err)
	}
	s.recorder = recorder
	s.recordingPath = recorder.Path()
	s.recordedFrames = 0
	s.recordingFailed = false
	s.recordingError = ""
	m.logger.Info("recording started",
		"client_id", s.clientID,
		"stream_id", s.id,
		"path", s.recordingPath,
	)
	return s.statusLocked(), nil
}

// SetSLAM attaches or detaches the stream's SLAM subscriber.
func (m *Manager) SetSLAM(clientID, streamID string, on bool) (Status, error) {
	s, err := m.lookup(clientID, streamID)
	if err != nil {
		return Status{}, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	switch {
	case on && s.slam == nil:
		s.slam = newSubscriber(m.newProcessor(), m.slamQueue, m.metrics,
			m.logger.With("client_id", s.clientID, "stream_id", s.id))
		s.lastSLAM = nil
	case !on && s.slam != nil:
		m.detachSLAMLocked(s)
	}
	return s.statusLocked(), nil
}

// Status returns a snapshot of one stream.
func (m *Manager) Status(clientID, streamID string) (Status, error) {
	s, err := m.lookup(clientID, streamID)
	if err != nil {
		return Status{}, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.statusLocked(), nil
}

// List returns snapshots of every stream, ordered by client then
// stream id. An empty clientID lists all clients.
func (m *Manager) List(clientID string) []Status {
	m.mutex.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for _, s := range m.streams {
		if clientID == "" || s.clientID == clientID {
			streams = append(streams, s)
		}
	}
	m.mutex.Unlock()

	statuses := make([]Status, 0, len(streams))
	for _, s := range streams {
		s.mutex.Lock()
		statuses = append(statuses, s.statusLocked())
		s.mutex.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].ClientID != statuses[j].ClientID {
			return statuses[i].ClientID < statuses[j].ClientID
		}
		return statuses[i].StreamID < statuses[j].StreamID
	})
	return statuses
}

// Live returns the stream's live ring for viewers.
func (m *Manager) Live(clientID, streamID string) (*Ring, error) {
	s, err := m.lookup(clientID, streamID)
	if err != nil {
		return nil, err
	}
	return s.ring, nil
}

// LastCapture returns the client's most recent stored image.
func (m *Manager) LastCapture(clientID string) (Capture, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	state, ok := m.captures[clientID]
	if !ok || state.count == 0 {
		return Capture{}, false
	}
	return state.last, true
}

// ApplyClientStatus handles a stream_status envelope from the stream's
// owner.
func (m *Manager) ApplyClientStatus(clientID string, update *wire.StreamStatus) (Status, error) {
	s, err := m.lookup(clientID, update.StreamID)
	if err != nil {
		return Status{}, err
	}

	switch update.Status {
	case wire.StreamStarted:
		s.mutex.Lock()
		defer s.mutex.Unlock()
		s.clientState = update.Status
		s.clientReason = update.Reason
		if update.Width > 0 && update.Height > 0 {
			s.params.Width = update.Width
			s.params.Height = update.Height
		}
		if update.FPS > 0 {
			s.params.FPS = update.FPS
		}
		return s.statusLocked(), nil

	case wire.StreamStoppedByClient:
		s.mutex.Lock()
		s.clientState = update.Status
		s.clientReason = update.Reason
		s.mutex.Unlock()
		detached, err := m.detach(clientID, update.StreamID)
		if err != nil {
			return Status{}, err
		}
		return m.stop(detached, "client")

	case wire.StreamErrorOnClient:
		s.mutex.Lock()
		defer s.mutex.Unlock()
		s.clientState = update.Status
		s.clientReason = update.Reason
		m.logger.Warn("client reported stream error",
			"client_id", clientID,
			"stream_id", update.StreamID,
			"reason", update.Reason,
		)
		if s.recorder != nil {
			err = m.finishRecordingLocked(s, false)
		}
		return s.statusLocked(), err
	}
	return Status{}, fmt.Errorf("media: unknown stream status %q", update.Status)
}

// DropClient stops every stream owned by clientID, finalizing their
// recordings, and forgets its capture sequence. Called when the
// client's connection ends.
func (m *Manager) DropClient(clientID string) []Status {
	m.mutex.Lock()
	var owned []*stream
	for key, s := range m.streams {
		if key.clientID == clientID {
			owned = append(owned, s)
			delete(m.streams, key)
		}
	}
	delete(m.captures, clientID)
	active := len(m.streams)
	m.mutex.Unlock()
	m.metrics.SetActiveStreams(active)

	statuses := make([]Status, 0, len(owned))
	for _, s := range owned {
		status, _ := m.stop(s, "disconnect")
		statuses = append(statuses, status)
	}
	return statuses
}

// ResetCaptures forgets the client's capture high-water mark. A new
// connection restarts its sequence counter, so the mark from the
// previous connection would reject its first captures. The last
// stored capture stays visible through LastCapture.
func (m *Manager) ResetCaptures(clientID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if state, ok := m.captures[clientID]; ok {
		state.marked = false
	}
}

// Sweep stops video streams idle for longer than the idle timeout and
// returns their final status.
func (m *Manager) Sweep() []Status {
	if m.idleTimeout < 0 {
		return nil
	}
	now := m.clock.Now()
	m.mutex.Lock()
	var idle []*stream
	for key, s := range m.streams {
		s.mutex.Lock()
		expired := now.Sub(s.idleSince()) > m.idleTimeout
		s.mutex.Unlock()
		if expired {
			idle = append(idle, s)
			delete(m.streams, key)
		}
	}
	active := len(m.streams)
	m.mutex.Unlock()
	if len(idle) == 0 {
		return nil
	}
	m.metrics.SetActiveStreams(active)

	statuses := make([]Status, 0, len(idle))
	for _, s := range idle {
		status, _ := m.stop(s, "idle")
		statuses = append(statuses, status)
	}
	return statuses
}

// Run sweeps idle streams until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if m.idleTimeout < 0 {
		return
	}
	every := min(max(m.idleTimeout/4, time.Second), 30*time.Second)
	ticker := m.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close stops every stream. Used at shutdown so recordings finalize.
func (m *Manager) Close() []Status {
	m.mutex.Lock()
	all := make([]*stream, 0, len(m.streams))
	for key, s := range m.streams {
		all = append(all, s)
		delete(m.streams, key)
	}
	m.mutex.Unlock()
	m.metrics.SetActiveStreams(0)

	statuses := make([]Status, 0, len(all))
	for _, s := range all {
		status, _ := m.stop(s, "shutdown")
		statuses = append(statuses, status)
	}
	return statuses
}

func (m *Manager) lookup(clientID, streamID string) (*stream, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.streams[streamKey{clientID: clientID, streamID: streamID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s for client %s", ErrUnknownStream, streamID, clientID)
	}
	return s, nil
}

// detach removes the stream from the table; the caller stops it.
func (m *Manager) detach(clientID, streamID string) (*stream, error) {
	key := streamKey{clientID: clientID, streamID: streamID}
	m.mutex.Lock()
	s, ok := m.streams[key]
	if !ok {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s for client %s", ErrUnknownStream, streamID, clientID)
	}
	delete(m.streams, key)
	active := len(m.streams)
	m.mutex.Unlock()
	m.metrics.SetActiveStreams(active)
	return s, nil
}

// stop tears down a stream that is no longer in the table.
func (m *Manager) stop(s *stream, cause string) (Status, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var err error
	if s.recorder != nil {
		err = m.finishRecordingLocked(s, false)
	}
	if s.slam != nil {
		m.detachSLAMLocked(s)
	}
	s.stopped = true
	s.stoppedAt = m.clock.Now()
	s.ring.Close()

	status := s.statusLocked()
	if err != nil {
		status.StopError = err.Error()
	}
	m.logger.Info("stream stopped",
		"client_id", s.clientID,
		"stream_id", s.id,
		"cause", cause,
		"frames", s.frameCount,
		"duplicates", s.duplicates,
	)
	return status, err
}

func (m *Manager) finishRecordingLocked(s *stream, failed bool) error {
	recorder := s.recorder
	s.recorder = nil
	err := recorder.Finish(failed)
	m.logger.Info("recording finished",
		"client_id", s.clientID,
		"stream_id", s.id,
		"path", s.recordingPath,
		"frames", s.recordedFrames,
		"failed", failed,
	)
	if err != nil {
		return fmt.Errorf("media: finalizing recording %s: %w", s.recordingPath, err)
	}
	return nil
}

func (m *Manager) detachSLAMLocked(s *stream) {
	s.slam.stop()
	last := s.slam.snapshot()
	last.Enabled = false
	s.lastSLAM = &last
	s.slam = nil
}
