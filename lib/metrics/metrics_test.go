// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.SetClientsConnected(3)
	m.FrameReceived("video_frame", FrameAccepted, 100)
	m.CommandSettled(CommandTimeout, 0)
	m.RecordingFailed()
	m.HeartbeatExpired()
	m.SubscriberFailed("panic")
	if m.Handler() == nil {
		t.Fatal("nil Metrics returned a nil handler")
	}
}

func TestFrameCountersSplitByResult(t *testing.T) {
	t.Parallel()
	m := New()
	m.FrameReceived("video_frame", FrameAccepted, 1000)
	m.FrameReceived("video_frame", FrameAccepted, 500)
	m.FrameReceived("video_frame", FrameDuplicate, 1000)
	m.FrameReceived("image", FrameUnauthorized, 10)

	if got := testutil.ToFloat64(m.frames.WithLabelValues("video_frame", FrameAccepted)); got != 2 {
		t.Errorf("accepted video frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.frames.WithLabelValues("video_frame", FrameDuplicate)); got != 1 {
		t.Errorf("duplicate video frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.frameBytes.WithLabelValues("video_frame")); got != 1500 {
		t.Errorf("accepted bytes = %v, want 1500", got)
	}
	if got := testutil.ToFloat64(m.frameBytes.WithLabelValues("image")); got != 0 {
		t.Errorf("unauthorized frame bytes counted: %v", got)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	t.Parallel()
	m := New()
	m.CommandSettled(CommandSuccess, 0.2)
	m.SetClientsConnected(2)

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Result().Body)
	for _, want := range []string{
		`fleetlink_commands_total{outcome="success"} 1`,
		`fleetlink_clients_connected 2`,
		`fleetlink_command_response_seconds_count 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
