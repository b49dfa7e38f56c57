// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/fleetlink/lib/agent"
	"github.com/bureau-foundation/fleetlink/lib/dispatch"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/registry"
	"github.com/bureau-foundation/fleetlink/lib/session"
	"github.com/bureau-foundation/fleetlink/lib/testutil"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

const wait = 5 * time.Second

type memoryImages struct {
	mu     sync.Mutex
	images []media.Image
	stored chan media.Image
}

func (m *memoryImages) StoreImage(image media.Image) (string, error) {
	m.mu.Lock()
	image.Data = bytes.Clone(image.Data)
	m.images = append(m.images, image)
	m.mu.Unlock()
	select {
	case m.stored <- image:
	default:
	}
	return "/images/" + image.StreamID, nil
}

type harness struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	media      *media.Manager
	manager    *session.Manager
	images     *memoryImages
	url        string
}

func newHarness(t *testing.T, registrationTimeout time.Duration) *harness {
	t.Helper()
	logger := testutil.Logger(t)
	h := &harness{images: &memoryImages{stored: make(chan media.Image, 16)}}
	h.registry = registry.New(registry.Config{Logger: logger})
	h.dispatcher = dispatch.New(dispatch.Config{Transport: session.NewTransport(h.registry), Logger: logger})
	h.media = media.NewManager(media.Config{Images: h.images, Logger: logger})
	h.manager = session.NewManager(session.Config{
		Registry:            h.registry,
		Dispatcher:          h.dispatcher,
		Media:               h.media,
		RegistrationTimeout: registrationTimeout,
		Logger:              logger,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{client_name}", h.manager)
	server := httptest.NewServer(mux)
	h.url = "ws" + strings.TrimPrefix(server.URL, "http")

	t.Cleanup(func() {
		h.manager.Close()
		server.Close()
		h.dispatcher.Close()
		h.media.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T, name string, handler agent.Handler) *agent.Agent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	a, err := agent.Dial(ctx, agent.Config{
		Endpoint:     h.url,
		ClientName:   name,
		Platform:     "rpi",
		Capabilities: []string{"camera", "speaker"},
		Handler:      handler,
		PingInterval: -1,
		Logger:       testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("Dial(%s): %v", name, err)
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		a.Run(context.Background())
	}()
	t.Cleanup(func() {
		a.Close()
		<-runDone
	})
	return a
}

func (h *harness) dialRaw(t *testing.T, name string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url+"/ws/"+name, nil)
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(wait))
	return ws
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, message wire.Message) {
	t.Helper()
	data, err := wire.Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// expectRejection reads an error envelope followed by a policy
// violation close.
func expectRejection(t *testing.T, ws *websocket.Conn, wantText string) {
	t.Helper()
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading rejection: %v", err)
	}
	message, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rejection, ok := message.(*wire.Error)
	if !ok {
		t.Fatalf("got %s, want error envelope", message.Type())
	}
	if !strings.Contains(rejection.Message, wantText) {
		t.Errorf("error message = %q, want it to contain %q", rejection.Message, wantText)
	}
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("after rejection got %v, want a close frame", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
}

func TestRegisterAddsClient(t *testing.T) {
	h := newHarness(t, 0)
	a := h.dial(t, "pi-1", nil)

	if a.ClientID() != "pi-1" {
		t.Errorf("ClientID = %q, want pi-1", a.ClientID())
	}
	client, ok := h.registry.Lookup("pi-1")
	if !ok {
		t.Fatal("pi-1 not in registry after ack_registration")
	}
	if client.Platform != registry.PlatformRPi {
		t.Errorf("Platform = %q, want %q", client.Platform, registry.PlatformRPi)
	}
	if !client.HasCapability("camera") {
		t.Errorf("Capabilities = %v, want camera", client.Capabilities)
	}
}

func TestFirstMessageMustBeRegister(t *testing.T) {
	h := newHarness(t, 0)
	ws := h.dialRaw(t, "pi-1")

	writeEnvelope(t, ws, &wire.Ping{Timestamp: 1})
	expectRejection(t, ws, "register")

	if _, ok := h.registry.Lookup("pi-1"); ok {
		t.Error("unregistered connection appeared in the registry")
	}
}

func TestRegisterNameMustMatchPath(t *testing.T) {
	h := newHarness(t, 0)
	ws := h.dialRaw(t, "pi-1")

	writeEnvelope(t, ws, &wire.Register{ClientName: "pi-2", Platform: "rpi", Capabilities: []string{}})
	expectRejection(t, ws, "does not match")

	if h.registry.Len() != 0 {
		t.Errorf("registry has %d clients, want 0", h.registry.Len())
	}
}

func TestRegistrationTimeout(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	ws := h.dialRaw(t, "pi-1")

	expectRejection(t, ws, "register")
	testutil.Eventually(t, wait, func() bool { return h.manager.Len() == 0 }, "connection cleanup")
}

func TestDialRejectedSurfacesErrRejected(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_, err := agent.Dial(ctx, agent.Config{Endpoint: h.url, ClientName: strings.Repeat("x", 129)})
	if !errors.Is(err, agent.ErrRejected) {
		t.Fatalf("Dial with an oversized name: %v, want ErrRejected", err)
	}
}

func TestCaptureImageEndToEnd(t *testing.T) {
	h := newHarness(t, 0)
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 'j', 'f', 'i', 'f'}

	a := h.dial(t, "pi-1", func(ctx context.Context, a *agent.Agent, command *wire.Command) error {
		if command.Action != "capture_image" {
			return errors.New("unexpected action " + command.Action)
		}
		if err := a.Respond(command.CommandID, map[string]string{"status": "captured"}); err != nil {
			return err
		}
		_, err := a.SendFrame(wire.KindImage, "", jpeg)
		return err
	})

	call, err := h.dispatcher.Send("pi-1", "capture_image", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	result, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Status != wire.StatusSuccess {
		t.Errorf("Status = %q, want success", result.Status)
	}
	var data map[string]string
	if err := json.Unmarshal(result.Data, &data); err != nil || data["status"] != "captured" {
		t.Errorf("Data = %s (%v), want status captured", result.Data, err)
	}

	stored := testutil.RequireReceive(t, h.images.stored, wait, "stored image")
	if stored.Format != "jpg" || !bytes.Equal(stored.Data, jpeg) {
		t.Errorf("stored %s image of %d bytes, want the jpeg payload", stored.Format, len(stored.Data))
	}
	if stored.StreamID != "capture-pi-1-0" {
		t.Errorf("StreamID = %q, want capture-pi-1-0", stored.StreamID)
	}

	ack := testutil.RequireReceive(t, a.Acks(), wait, "media ack")
	if ack.MediaType != wire.MediaImage || ack.Sequence != 0 {
		t.Errorf("ack = %+v, want image sequence 0", ack)
	}
	capture, ok := h.media.LastCapture("pi-1")
	if !ok || capture.Sequence != 0 {
		t.Errorf("LastCapture = %+v, %v", capture, ok)
	}
}

func TestVideoFramesAckedOncePerSequence(t *testing.T) {
	h := newHarness(t, 0)
	a := h.dial(t, "pi-1", nil)

	if _, err := h.media.Start("pi-1", media.Params{StreamID: "cam"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, sequence := range []uint32{0, 1, 1, 2} {
		if err := a.SendFrameSequence(wire.KindVideo, sequence, "cam", []byte{0xFF, 0xD8, byte(sequence)}); err != nil {
			t.Fatalf("SendFrameSequence(%d): %v", sequence, err)
		}
	}
	for _, want := range []uint32{0, 1, 2} {
		ack := testutil.RequireReceive(t, a.Acks(), wait, "ack for sequence %d", want)
		if ack.Sequence != want || ack.StreamID != "cam" || ack.MediaType != wire.MediaVideoFrame {
			t.Errorf("ack = %+v, want video_frame cam %d", ack, want)
		}
	}
	status, err := h.media.Status("pi-1", "cam")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.FrameCount != 3 || status.DuplicateFrames != 1 {
		t.Errorf("FrameCount=%d DuplicateFrames=%d, want 3 and 1", status.FrameCount, status.DuplicateFrames)
	}
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	h := newHarness(t, 0)
	release := make(chan struct{})
	h.dial(t, "pi-1", func(ctx context.Context, a *agent.Agent, command *wire.Command) error {
		<-release
		return a.Respond(command.CommandID, nil)
	})

	call, err := h.dispatcher.Send("pi-1", "speak_text", map[string]string{"text": "hello"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	testutil.RequireClosed(t, call.Done(), wait, "timeout settlement")
	if _, err := call.Outcome(); !errors.Is(err, dispatch.ErrCommandTimeout) {
		t.Fatalf("Outcome: %v, want ErrCommandTimeout", err)
	}
	close(release)

	// The late response must not settle anything, and the connection
	// stays usable.
	next, err := h.dispatcher.Send("pi-1", "speak_text", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if _, err := next.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if h.dispatcher.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", h.dispatcher.PendingCount())
	}
}

func TestHandlerErrorBecomesFailedCommand(t *testing.T) {
	h := newHarness(t, 0)
	h.dial(t, "pi-1", func(ctx context.Context, a *agent.Agent, command *wire.Command) error {
		return errors.New("no speaker attached")
	})

	call, err := h.dispatcher.Send("pi-1", "speak_text", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_, err = call.Wait(ctx)
	var failed *dispatch.CommandFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Wait: %v, want CommandFailedError", err)
	}
	if failed.Message != "no speaker attached" {
		t.Errorf("Message = %q", failed.Message)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	h := newHarness(t, 0)
	a := h.dial(t, "pi-1", nil)

	if err := a.Send(&wire.Ping{Timestamp: 12.5}); err != nil {
		t.Fatalf("Send ping: %v", err)
	}
	pong := testutil.RequireReceive(t, a.Pongs(), wait, "pong")
	if pong.Timestamp != 12.5 {
		t.Errorf("Timestamp = %v, want 12.5", pong.Timestamp)
	}
	if pong.ServerTime <= 0 {
		t.Errorf("ServerTime = %v, want the controller clock", pong.ServerTime)
	}
}

func TestServerOnlyEnvelopesAreDropped(t *testing.T) {
	h := newHarness(t, 0)
	a := h.dial(t, "pi-1", nil)

	if err := a.Send(&wire.MediaAck{MediaType: wire.MediaImage, Sequence: 1}); err != nil {
		t.Fatalf("Send media_ack: %v", err)
	}
	if err := a.Send(&wire.Register{ClientName: "pi-1", Platform: "rpi", Capabilities: []string{}}); err != nil {
		t.Fatalf("Send register: %v", err)
	}
	if err := a.Send(&wire.Ping{Timestamp: 3}); err != nil {
		t.Fatalf("Send ping: %v", err)
	}
	testutil.RequireReceive(t, a.Pongs(), wait, "pong after dropped envelopes")
	if _, ok := h.registry.Lookup("pi-1"); !ok {
		t.Error("client removed after sending server-only envelopes")
	}
}

func TestDisconnectFailsPendingAndStopsStreams(t *testing.T) {
	h := newHarness(t, 0)
	received := make(chan struct{}, 1)
	a := h.dial(t, "pi-1", func(ctx context.Context, a *agent.Agent, command *wire.Command) error {
		received <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	if _, err := h.media.Start("pi-1", media.Params{StreamID: "cam"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	call, err := h.dispatcher.Send("pi-1", "start_video_stream", nil, 30*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	testutil.RequireReceive(t, received, wait, "command delivered")
	a.Close()

	testutil.RequireClosed(t, call.Done(), wait, "pending command failed")
	if _, err := call.Outcome(); !errors.Is(err, dispatch.ErrClientDisconnected) {
		t.Errorf("Outcome: %v, want ErrClientDisconnected", err)
	}
	testutil.Eventually(t, wait, func() bool {
		_, err := h.media.Status("pi-1", "cam")
		return errors.Is(err, media.ErrUnknownStream)
	}, "stream stopped after disconnect")
	if _, ok := h.registry.Lookup("pi-1"); ok {
		t.Error("pi-1 still registered after disconnect")
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	h := newHarness(t, 0)
	first := h.dial(t, "pi-1", func(ctx context.Context, a *agent.Agent, command *wire.Command) error {
		return a.Respond(command.CommandID, map[string]string{"from": "first"})
	})
	if _, err := h.media.Start("pi-1", media.Params{StreamID: "cam"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.dial(t, "pi-1", func(ctx context.Context, a *agent.Agent, command *wire.Command) error {
		return a.Respond(command.CommandID, map[string]string{"from": "second"})
	})
	testutil.RequireClosed(t, first.Done(), wait, "replaced connection closed")
	testutil.Eventually(t, wait, func() bool { return h.manager.Len() == 1 }, "old connection cleaned up")

	call, err := h.dispatcher.Send("pi-1", "capture_image", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	result, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	var data map[string]string
	json.Unmarshal(result.Data, &data)
	if data["from"] != "second" {
		t.Errorf("command answered by %q, want the second connection", data["from"])
	}
	if _, err := h.media.Status("pi-1", "cam"); err != nil {
		t.Errorf("stream lost across a replacement: %v", err)
	}
}

func TestCaptureAfterReconnectRestartsSequence(t *testing.T) {
	h := newHarness(t, 0)
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}

	first := h.dial(t, "pi-1", nil)
	for sequence := uint32(0); sequence < 5; sequence++ {
		if err := first.SendFrameSequence(wire.KindImage, sequence, "", jpeg); err != nil {
			t.Fatalf("first connection capture %d: %v", sequence, err)
		}
		testutil.RequireReceive(t, first.Acks(), wait, "ack for capture %d", sequence)
	}

	second := h.dial(t, "pi-1", nil)
	testutil.RequireClosed(t, first.Done(), wait, "replaced connection closed")
	if err := second.SendFrameSequence(wire.KindImage, 0, "", jpeg); err != nil {
		t.Fatalf("second connection capture: %v", err)
	}
	ack := testutil.RequireReceive(t, second.Acks(), wait, "ack after reconnect")
	if ack.MediaType != wire.MediaImage || ack.Sequence != 0 {
		t.Errorf("ack = %+v, want image sequence 0", ack)
	}
	capture, ok := h.media.LastCapture("pi-1")
	if !ok || capture.Sequence != 0 || capture.StreamID != "capture-pi-1-0" {
		t.Errorf("LastCapture = %+v, %v", capture, ok)
	}
}

func TestCommandToUnknownClient(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.dispatcher.Send("ghost", "capture_image", nil, time.Second)
	if !errors.Is(err, dispatch.ErrClientNotConnected) {
		t.Fatalf("Send: %v, want ErrClientNotConnected", err)
	}
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	h := newHarness(t, 0)
	a := h.dial(t, "pi-1", nil)
	b := h.dial(t, "pi-2", nil)

	h.manager.Close()
	testutil.RequireClosed(t, a.Done(), wait, "pi-1 closed")
	testutil.RequireClosed(t, b.Done(), wait, "pi-2 closed")
	if h.registry.Len() != 0 {
		t.Errorf("registry has %d clients after Close", h.registry.Len())
	}
}
