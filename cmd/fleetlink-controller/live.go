// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/netutil"
)

const liveBoundary = "frame"

// liveStream serves a stream's live ring as multipart/x-mixed-replace
// JPEG parts, at most ViewerFPS per second. A slow viewer skips frames
// rather than queueing them. The response ends when the stream stops
// or the viewer goes away.
func (c *controller) liveStream(w http.ResponseWriter, r *http.Request) {
	clientID, streamID := r.PathValue("id"), r.PathValue("sid")
	ring, err := c.plane.Live(clientID, streamID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	writer := multipart.NewWriter(w)
	if err := writer.SetBoundary(liveBoundary); err != nil {
		c.writeError(w, r, err)
		return
	}
	header := w.Header()
	header.Set("Content-Type", "multipart/x-mixed-replace; boundary="+liveBoundary)
	header.Set("Cache-Control", "no-store")
	header.Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var interval time.Duration
	if fps := c.config.Streams.ViewerFPS; fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	logger := c.logger.With("client_id", clientID, "stream_id", streamID, "remote", r.RemoteAddr)
	logger.Debug("live viewer attached")

	var offset uint64
	var sent int
	for {
		frame, err := ring.Next(r.Context(), offset)
		if err != nil {
			logger.Debug("live viewer detached", "frames_sent", sent, "reason", err)
			return
		}
		offset = frame.Offset

		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(frame.Data))},
		})
		if err == nil {
			_, err = part.Write(frame.Data)
		}
		if err != nil {
			if netutil.IsExpectedCloseError(err) {
				logger.Debug("live viewer went away", "frames_sent", sent)
			} else {
				logger.Warn("live viewer write failed", "frames_sent", sent, "error", err)
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		sent++

		if interval > 0 {
			select {
			case <-c.clock.After(interval):
			case <-r.Context().Done():
				return
			}
		}
	}
}

// liveLatest serves the newest frame of a stream as a single JPEG.
func (c *controller) liveLatest(w http.ResponseWriter, r *http.Request) {
	clientID, streamID := r.PathValue("id"), r.PathValue("sid")
	ring, err := c.plane.Live(clientID, streamID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	frame, ok := ring.Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("stream %s has no frames yet", streamID),
		})
		return
	}
	header := w.Header()
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(frame.Data)))
	header.Set("Cache-Control", "no-store")
	header.Set("X-Frame-Sequence", strconv.FormatUint(uint64(frame.Sequence), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(frame.Data)
}
