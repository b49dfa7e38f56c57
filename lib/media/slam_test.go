// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/testutil"
	"github.com/bureau-foundation/fleetlink/lib/wire"
)

func encodeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buffer bytes.Buffer
	if err := jpeg.Encode(&buffer, image.NewGray(image.Rect(0, 0, width, height)), nil); err != nil {
		t.Fatalf("encoding test jpeg: %v", err)
	}
	return buffer.Bytes()
}

func TestGeometryProcessor(t *testing.T) {
	t.Parallel()
	observation, err := GeometryProcessor{}.ProcessFrame(LiveFrame{Data: encodeJPEG(t, 32, 16)})
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if observation.Width != 32 || observation.Height != 16 {
		t.Errorf("Observation = %+v", observation)
	}
	if _, err := (GeometryProcessor{}).ProcessFrame(LiveFrame{Data: []byte("nope")}); err == nil {
		t.Error("ProcessFrame accepted a non-JPEG frame")
	}
}

func TestSLAMStatsInStreamStatus(t *testing.T) {
	t.Parallel()
	manager, _ := newManager(t, Config{})
	startStream(t, manager, "cam", "s1")
	manager.SetSLAM("cam", "s1", true)

	frame := encodeJPEG(t, 64, 48)
	for sequence := uint32(0); sequence < 3; sequence++ {
		manager.Ingest("cam", wire.Frame{Kind: wire.KindVideo, Sequence: sequence, StreamID: "s1", Payload: frame})
	}
	manager.Ingest("cam", wire.Frame{Kind: wire.KindVideo, Sequence: 3, StreamID: "s1", Payload: []byte("garbage")})

	testutil.Eventually(t, 5*time.Second, func() bool {
		status, _ := manager.Status("cam", "s1")
		return status.SLAM != nil && status.SLAM.Processed+status.SLAM.Dropped+status.SLAM.Errors == 4
	}, "slam processed every frame")

	status, _ := manager.Status("cam", "s1")
	if status.SLAM.Processed > 0 && (status.SLAM.Width != 64 || status.SLAM.Height != 48) {
		t.Errorf("SLAM geometry = %dx%d", status.SLAM.Width, status.SLAM.Height)
	}
	if status.SLAM.Crashed {
		t.Error("decode errors reported as a crash")
	}
}
