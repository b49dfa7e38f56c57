// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/agent"
	"github.com/bureau-foundation/fleetlink/lib/config"
	"github.com/bureau-foundation/fleetlink/lib/controlplane"
	"github.com/bureau-foundation/fleetlink/lib/dispatch"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/testutil"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

const wait = 5 * time.Second

var testJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

type testController struct {
	*controller
	baseURL string
}

func startController(t *testing.T) *testController {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.OperatorSocket = filepath.Join(testutil.SocketDir(t), "operator.sock")
	cfg.Storage = config.StorageConfig{
		Root:          root,
		ImagesDir:     filepath.Join(root, "images"),
		RecordingsDir: filepath.Join(root, "recordings"),
		CatalogPath:   filepath.Join(root, "catalog.db"),
	}
	cfg.Commands.DefaultTimeout = config.Duration(wait)
	cfg.Streams.ViewerFPS = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}

	c, err := newController(cfg, testutil.Logger(t))
	if err != nil {
		t.Fatalf("newController: %v", err)
	}
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, wait, "controller shutdown"); err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	testutil.Eventually(t, wait, func() bool {
		_, err := os.Stat(cfg.OperatorSocket)
		return err == nil
	}, "operator socket")
	return &testController{controller: c, baseURL: "http://" + listener.Addr().String()}
}

func (tc *testController) dial(t *testing.T, name string, handler agent.Handler) *agent.Agent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	a, err := agent.Dial(ctx, agent.Config{
		Endpoint:     tc.baseURL,
		ClientName:   name,
		Platform:     "linux",
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

// do issues a request and decodes a JSON response into result when it
// is non-nil. It returns the status code.
func (tc *testController) do(t *testing.T, method, path, body string, result any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, tc.baseURL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading %s %s: %v", method, path, err)
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			t.Fatalf("%s %s: decoding %q: %v", method, path, data, err)
		}
	}
	return response.StatusCode
}

// streamingAgent answers start and stop commands and nothing else.
func streamingAgent(ctx context.Context, a *agent.Agent, command *wire.Command) error {
	switch command.Action {
	case "start_video_stream", "stop_video_stream":
		return a.Respond(command.CommandID, map[string]string{"message": "ok"})
	}
	return errors.New("unsupported action " + command.Action)
}

func TestCaptureImageOverHTTP(t *testing.T) {
	tc := startController(t)
	tc.dial(t, "pi-1", func(ctx context.Context, a *agent.Agent, command *wire.Command) error {
		if command.Action != "capture_image" {
			return errors.New("unexpected action " + command.Action)
		}
		sequence := a.NextSequence()
		if err := a.Respond(command.CommandID, map[string]any{"message": "captured", "sequence": sequence, "format": "jpg"}); err != nil {
			return err
		}
		return a.SendFrameSequence(wire.KindImage, sequence, "", testJPEG)
	})

	var result dispatch.Result
	if status := tc.do(t, "POST", "/api/clients/pi-1/commands/capture_image", "", &result); status != http.StatusOK {
		t.Fatalf("capture_image status = %d, want 200", status)
	}
	if result.Status != wire.StatusSuccess {
		t.Errorf("result status = %q, want success", result.Status)
	}

	var capture media.Capture
	testutil.Eventually(t, wait, func() bool {
		return tc.do(t, "GET", "/api/clients/pi-1/capture", "", &capture) == http.StatusOK
	}, "capture to be stored")
	if capture.Format != "jpg" || capture.Bytes != len(testJPEG) {
		t.Errorf("capture = %+v, want a %d byte jpg", capture, len(testJPEG))
	}
	stored, err := os.ReadFile(capture.Path)
	if err != nil {
		t.Fatalf("reading stored image: %v", err)
	}
	if !bytes.Equal(stored, testJPEG) {
		t.Error("stored image differs from the payload")
	}

	var images []map[string]any
	if status := tc.do(t, "GET", "/api/images?client_id=pi-1", "", &images); status != http.StatusOK {
		t.Fatalf("list images status = %d", status)
	}
	if len(images) != 1 {
		t.Fatalf("catalog holds %d images, want 1", len(images))
	}
	if images[0]["stream_id"] != capture.StreamID {
		t.Errorf("cataloged stream_id = %v, want %s", images[0]["stream_id"], capture.StreamID)
	}
}

func TestCommandStatusCodes(t *testing.T) {
	tc := startController(t)
	release := make(chan struct{})
	tc.dial(t, "pi-1", func(ctx context.Context, a *agent.Agent, command *wire.Command) error {
		switch command.Action {
		case "speak_text":
			return a.Respond(command.CommandID, map[string]string{"message": "spoken"})
		case "hang":
			<-release
			return nil
		}
		return errors.New("no speaker attached")
	})
	// Runs before the agent's cleanup, which waits for handlers.
	t.Cleanup(func() { close(release) })

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"success", "/api/clients/pi-1/commands/speak_text", `{"text":"hello"}`, http.StatusOK},
		{"unknown client", "/api/clients/pi-9/commands/speak_text", "", http.StatusNotFound},
		{"timeout", "/api/clients/pi-1/commands/hang?timeout=100ms", "", http.StatusRequestTimeout},
		{"rejected", "/api/clients/pi-1/commands/play_audio", "", http.StatusBadGateway},
		{"bad timeout", "/api/clients/pi-1/commands/speak_text?timeout=soon", "", http.StatusBadRequest},
		{"bad body", "/api/clients/pi-1/commands/speak_text", `{"text":`, http.StatusBadRequest},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var body map[string]any
			if status := tc.do(t, "POST", test.path, test.body, &body); status != test.want {
				t.Errorf("status = %d, want %d (body %v)", status, test.want, body)
			}
		})
	}
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	tc := startController(t)
	a := tc.dial(t, "pi-1", streamingAgent)

	var started media.Status
	if status := tc.do(t, "POST", "/api/clients/pi-1/streams", `{"fps":5}`, &started); status != http.StatusCreated {
		t.Fatalf("start status = %d, want 201", status)
	}
	if started.StreamID == "" || started.FPS != 5 || started.Width != 640 {
		t.Fatalf("started = %+v, want a generated id at 5 fps and default size", started)
	}
	streamPath := "/api/clients/pi-1/streams/" + started.StreamID
	livePath := "/live/pi-1/" + started.StreamID + "/latest.jpg"

	if status := tc.do(t, "GET", livePath, "", nil); status != http.StatusNotFound {
		t.Errorf("latest.jpg before any frame = %d, want 404", status)
	}
	for range 3 {
		if _, err := a.SendFrame(wire.KindVideo, started.StreamID, testJPEG); err != nil {
			t.Fatalf("SendFrame: %v", err)
		}
	}
	testutil.Eventually(t, wait, func() bool {
		var status media.Status
		tc.do(t, "GET", streamPath, "", &status)
		return status.FrameCount == 3
	}, "three frames")

	response, err := http.Get(tc.baseURL + livePath)
	if err != nil {
		t.Fatalf("GET latest.jpg: %v", err)
	}
	frame, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK || !bytes.Equal(frame, testJPEG) {
		t.Errorf("latest.jpg = %d with %d bytes, want the last frame", response.StatusCode, len(frame))
	}
	if response.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("Content-Type = %q", response.Header.Get("Content-Type"))
	}

	if status := tc.do(t, "POST", streamPath+"/record/maybe", "", nil); status != http.StatusBadRequest {
		t.Errorf("record/maybe = %d, want 400", status)
	}
	if status := tc.do(t, "POST", "/api/clients/pi-1/streams", `{"stream_id":"`+started.StreamID+`"}`, nil); status != http.StatusConflict {
		t.Errorf("duplicate start = %d, want 409", status)
	}

	var stopped media.Status
	if status := tc.do(t, "DELETE", streamPath, "", &stopped); status != http.StatusOK {
		t.Fatalf("stop status = %d", status)
	}
	if stopped.Active || stopped.FrameCount != 3 {
		t.Errorf("stopped = %+v, want inactive with 3 frames", stopped)
	}
	if status := tc.do(t, "GET", streamPath, "", nil); status != http.StatusNotFound {
		t.Errorf("status after stop = %d, want 404", status)
	}
	if status := tc.do(t, "DELETE", streamPath, "", nil); status != http.StatusNotFound {
		t.Errorf("second stop = %d, want 404", status)
	}
}

func TestStartStreamRefusedByAgent(t *testing.T) {
	tc := startController(t)
	tc.dial(t, "pi-1", func(ctx context.Context, a *agent.Agent, command *wire.Command) error {
		return errors.New("camera busy")
	})

	var body map[string]string
	if status := tc.do(t, "POST", "/api/clients/pi-1/streams", `{"stream_id":"cam"}`, &body); status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", status)
	}
	if !strings.Contains(body["error"], "camera busy") {
		t.Errorf("error = %q, want the agent's message", body["error"])
	}
	var streams []media.Status
	tc.do(t, "GET", "/api/streams?client_id=pi-1", "", &streams)
	if len(streams) != 0 {
		t.Errorf("refused start left %d streams", len(streams))
	}
}

func TestLiveViewIsMultipartJPEG(t *testing.T) {
	tc := startController(t)
	a := tc.dial(t, "pi-1", streamingAgent)

	if status := tc.do(t, "POST", "/api/clients/pi-1/streams", `{"stream_id":"cam"}`, nil); status != http.StatusCreated {
		t.Fatalf("start status = %d", status)
	}
	if _, err := a.SendFrame(wire.KindVideo, "cam", testJPEG); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	request, _ := http.NewRequestWithContext(ctx, "GET", tc.baseURL+"/live/pi-1/cam", nil)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("GET live: %v", err)
	}
	defer response.Body.Close()

	mediaType, params, err := mime.ParseMediaType(response.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("Content-Type = %q (%v)", response.Header.Get("Content-Type"), err)
	}
	reader := multipart.NewReader(response.Body, params["boundary"])
	part, err := reader.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	if part.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("part Content-Type = %q", part.Header.Get("Content-Type"))
	}
	data, err := io.ReadAll(part)
	if err != nil {
		t.Fatalf("reading part: %v", err)
	}
	if !bytes.Equal(data, testJPEG) {
		t.Errorf("part holds %d bytes, want the frame", len(data))
	}

	// Stopping the stream ends the response.
	if status := tc.do(t, "DELETE", "/api/clients/pi-1/streams/cam", "", nil); status != http.StatusOK {
		t.Fatalf("stop status = %d", status)
	}
	if _, err := reader.NextPart(); err == nil {
		t.Error("live view produced another part after stop")
	}
}

func TestLiveViewUnknownStream(t *testing.T) {
	tc := startController(t)
	if status := tc.do(t, "GET", "/live/pi-1/nothing", "", nil); status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	tc := startController(t)
	tc.dial(t, "pi-1", nil)

	var health map[string]any
	if status := tc.do(t, "GET", "/healthz", "", &health); status != http.StatusOK {
		t.Fatalf("healthz = %d", status)
	}
	if health["clients"] != float64(1) {
		t.Errorf("healthz clients = %v, want 1", health["clients"])
	}

	response, err := http.Get(tc.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK || !strings.Contains(string(body), "fleetlink_") {
		t.Errorf("/metrics = %d, want fleetlink series", response.StatusCode)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: pi-9", controlplane.ErrClientNotFound), http.StatusNotFound},
		{dispatch.ErrClientNotConnected, http.StatusNotFound},
		{media.ErrUnknownStream, http.StatusNotFound},
		{dispatch.ErrCommandTimeout, http.StatusRequestTimeout},
		{&dispatch.CommandFailedError{CommandID: "c", Action: "a", Message: "no"}, http.StatusBadGateway},
		{dispatch.ErrClientDisconnected, http.StatusBadGateway},
		{media.ErrInvalidParams, http.StatusBadRequest},
		{media.ErrStreamExists, http.StatusConflict},
		{media.ErrRecordingUnavailable, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, test := range tests {
		if got := httpStatus(test.err); got != test.want {
			t.Errorf("httpStatus(%v) = %d, want %d", test.err, got, test.want)
		}
	}
}
